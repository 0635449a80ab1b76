package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTP delegates rendering to an external rendering service.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
}

type renderRequest struct {
	OriginalRef string        `json:"original_ref"`
	PreviewKey  string        `json:"preview_key"`
	Watermark   WatermarkSpec `json:"watermark"`
}

type renderResponse struct {
	PreviewRef string `json:"preview_ref"`
	Error      string `json:"error"`
}

// NewHTTP builds a client for the rendering service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RenderPreview asks the service to render and store the preview, returning its reference.
func (h *HTTP) RenderPreview(ctx context.Context, originalRef string, wm WatermarkSpec) (string, error) {
	body, err := json.Marshal(renderRequest{
		OriginalRef: originalRef,
		PreviewKey:  PreviewKey(originalRef),
		Watermark:   wm,
	})
	if err != nil {
		return "", fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("render preview: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read render response: %w", err)
	}
	var out renderResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= http.StatusBadRequest {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("render preview: status %d: %s", resp.StatusCode, msg)
	}
	if out.PreviewRef == "" {
		return "", errors.New("render preview: empty preview reference")
	}
	return out.PreviewRef, nil
}
