package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageSize is a canonical output resolution.
type ImageSize struct {
	Width, Height int
}

func (s ImageSize) Pixels() int { return s.Width * s.Height }

// Orientation is the aspect-ratio family a size belongs to.
type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
	OrientationSquare    Orientation = "square"
)

// canonicalSizes is the fixed set of output sizes the image pipeline
// substitutes in for a request whose pixel count falls below
// minPixels: one per orientation.
var canonicalSizes = map[Orientation]ImageSize{
	OrientationLandscape: {Width: 2560, Height: 1440},
	OrientationPortrait:  {Width: 1440, Height: 2560},
	OrientationSquare:    {Width: 1920, Height: 1920},
}

// minPixels is the pixel-count floor below which a requested size is
// adjusted up to the closest canonical preset (spec.md §3/§4.3).
const minPixels = 3_686_400

// ErrDisabled is returned by a Disabled ImageAdapter's Generate, so
// callers can distinguish "skip the image step" from "the provider
// failed".
var ErrDisabled = errors.New("adapter: image generation is disabled")

// SelectSize honors the caller's requested width/height when its pixel
// count already meets minPixels; otherwise it adjusts up to the
// canonical size for the given orientation (auto-adjusting
// unknown/empty orientations to landscape). A zero width or height
// (no size requested) is always treated as below threshold.
func SelectSize(orientation Orientation, width, height int) ImageSize {
	if width > 0 && height > 0 && width*height >= minPixels {
		return ImageSize{Width: width, Height: height}
	}
	if size, ok := canonicalSizes[orientation]; ok {
		return size
	}
	return canonicalSizes[OrientationLandscape]
}

// ImageRequest describes a single image-generation call. Width/Height
// carry the caller's requested size (0 if none was specified); Generate
// resolves them through SelectSize before calling the provider.
type ImageRequest struct {
	Prompt      string
	Orientation Orientation
	Width       int
	Height      int
}

// ImageResult is the outcome of a successful generation.
type ImageResult struct {
	URL    string
	Size   ImageSize
	Bytes  []byte // populated by Download, empty otherwise
}

// ImageAdapter generates a single image from a prompt.
type ImageAdapter interface {
	Generate(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// HTTPImageAdapter calls a JSON image-generation API.
type HTTPImageAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewHTTPImageAdapter creates an image adapter against baseURL.
func NewHTTPImageAdapter(baseURL, apiKey string) *HTTPImageAdapter {
	return &HTTPImageAdapter{
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (a *HTTPImageAdapter) Generate(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if ctx.Err() != nil {
		return ImageResult{}, ctx.Err()
	}
	size := SelectSize(req.Orientation, req.Width, req.Height)

	httpReq, err := newJSONRequest(ctx, a.baseURL, map[string]any{
		"prompt": req.Prompt,
		"width":  size.Width,
		"height": size.Height,
	})
	if err != nil {
		return ImageResult{}, err
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ImageResult{}, fmt.Errorf("image: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ImageResult{}, fmt.Errorf("image: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ImageResult{}, fmt.Errorf("image: provider returned %d: %s", resp.StatusCode, string(body))
	}

	url, err := decodeImageURL(body)
	if err != nil {
		return ImageResult{}, err
	}
	return ImageResult{URL: url, Size: size}, nil
}

// Download fetches the image bytes for a generated result, for
// post-processing nodes that need the raw pixels rather than a URL.
func Download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("image: build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image: download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image: download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DownloadToFile downloads url into destDir under a generated filename
// and returns the local path. Callers must treat a non-nil error as
// tolerable: per spec, download failure never fails image generation —
// the remote URL remains usable on its own.
func DownloadToFile(ctx context.Context, client *http.Client, url, destDir string) (string, error) {
	body, err := Download(ctx, client, url)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("image: create download dir: %w", err)
	}
	path := filepath.Join(destDir, uuid.NewString()+extFromURL(url))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("image: write download: %w", err)
	}
	return path, nil
}

// extFromURL returns url's file extension (including the dot), or
// ".png" if none is present or it looks implausibly long.
func extFromURL(url string) string {
	clean := url
	if i := strings.IndexAny(clean, "?#"); i != -1 {
		clean = clean[:i]
	}
	if i := strings.LastIndex(clean, "."); i != -1 && i > strings.LastIndex(clean, "/") {
		if ext := clean[i:]; len(ext) <= 5 {
			return ext
		}
	}
	return ".png"
}

// MockImageAdapter simulates a provider without any network calls, for
// tests. Distinct from DisabledImageAdapter: this returns a synthetic
// success, exercising the same downstream code path a real provider
// would.
type MockImageAdapter struct {
	URL string
	Err error
}

func (m *MockImageAdapter) Generate(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if ctx.Err() != nil {
		return ImageResult{}, ctx.Err()
	}
	if m.Err != nil {
		return ImageResult{}, m.Err
	}
	url := m.URL
	if url == "" {
		url = "https://example.invalid/generated.png"
	}
	return ImageResult{URL: url, Size: SelectSize(req.Orientation, req.Width, req.Height)}, nil
}

// DisabledImageAdapter always returns ErrDisabled, so the workflow can
// route straight past generate_image/check_image to post_process
// without conflating "disabled" with "provider failure".
type DisabledImageAdapter struct{}

func (DisabledImageAdapter) Generate(_ context.Context, _ ImageRequest) (ImageResult, error) {
	return ImageResult{}, ErrDisabled
}
