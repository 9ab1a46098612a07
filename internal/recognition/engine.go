package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNoFace            = errors.New("recognition: no face detected")
	ErrEngineFailure     = errors.New("recognition: embedding engine failure")
	ErrNotFound          = errors.New("recognition: profile not found")
	ErrAlreadyExists     = errors.New("recognition: profile already exists")
	ErrDimensionMismatch = errors.New("recognition: embedding dimension mismatch")
)

// Engine turns an image into a face embedding.
type Engine interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Ping(ctx context.Context) error
}

const maxEngineResponse = 4 << 20

// HTTPEngine talks to an embedding service over HTTP:
// POST {base}/embed {"image": base64} -> {"embedding": [...]}, GET {base}/health.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (e *HTTPEngine) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrNoFace)
	}
	body, err := json.Marshal(embedRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEngineFailure, err)
	}
	if resp.StatusCode >= 300 {
		detail := errorDetail(raw)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			if detail == "" {
				return nil, ErrNoFace
			}
			return nil, fmt.Errorf("%w: %s", ErrNoFace, detail)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngineFailure, resp.StatusCode, detail)
	}

	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEngineFailure, err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return out.Embedding, nil
}

// errorDetail extracts a short message from an error body, JSON or not.
func errorDetail(raw []byte) string {
	var out embedResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (e *HTTPEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrEngineFailure, resp.StatusCode)
	}
	return nil
}
