package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

func newJSONRequest(ctx context.Context, url string, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("adapter: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("adapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func decodeImageURL(body []byte) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("adapter: decode image response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("adapter: image response missing url")
	}
	return out.URL, nil
}
