// ABOUTME: HTTP client for a remote calculation engine service
// ABOUTME: Opens workbooks server-side and evaluates them by handle id

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize bounds how much of an engine response is read.
const maxResponseSize = 8 << 20

// HTTPEngine talks to a calculation engine exposed over HTTP:
//
//	POST   {base}/workbooks                 body: definition   -> {"id", "size"}
//	POST   {base}/workbooks/{id}/evaluate   body: Evaluation   -> {"outputs"}
//	DELETE {base}/workbooks/{id}
//
// Engine faults come back as 422 with {"error": Error}.
type HTTPEngine struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPEngine creates a client for the engine at baseURL.
func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "engine"),
	}
}

type openResponse struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

type evaluateResponse struct {
	Outputs map[string]any `json:"outputs"`
}

type errorResponse struct {
	Error *Error `json:"error"`
}

// Open uploads the definition and returns a handle to the server-side workbook.
func (e *HTTPEngine) Open(ctx context.Context, definition []byte) (Workbook, error) {
	var resp openResponse
	if err := e.do(ctx, http.MethodPost, "/workbooks", "application/json", definition, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("engine returned empty workbook id")
	}
	size := resp.Size
	if size <= 0 {
		size = int64(len(definition))
	}
	return &httpWorkbook{engine: e, id: resp.ID, size: size}, nil
}

func (e *HTTPEngine) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building engine request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading engine response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var er errorResponse
		if err := json.Unmarshal(data, &er); err != nil || er.Error == nil {
			return &Error{Code: "ENGINE_FAULT", Message: strings.TrimSpace(string(data))}
		}
		return er.Error
	case resp.StatusCode >= 300:
		return fmt.Errorf("engine %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding engine response: %w", err)
	}
	return nil
}

type httpWorkbook struct {
	engine *HTTPEngine
	id     string
	size   int64
}

func (w *httpWorkbook) Evaluate(ctx context.Context, ev Evaluation) (map[string]any, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding evaluation: %w", err)
	}

	var resp evaluateResponse
	if err := w.engine.do(ctx, http.MethodPost, "/workbooks/"+w.id+"/evaluate", "application/json", body, &resp); err != nil {
		return nil, err
	}
	if resp.Outputs == nil {
		resp.Outputs = map[string]any{}
	}
	return resp.Outputs, nil
}

func (w *httpWorkbook) Size() int64 { return w.size }

// Close releases the server-side workbook. Errors are logged; the handle is
// unusable afterwards either way.
func (w *httpWorkbook) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.engine.do(ctx, http.MethodDelete, "/workbooks/"+w.id, "", nil, nil); err != nil {
		w.engine.logger.Warn("failed to release workbook", "workbook_id", w.id, "error", err)
		return err
	}
	return nil
}
