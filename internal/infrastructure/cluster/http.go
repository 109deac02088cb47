// Package cluster carries node-to-node and node-to-coordinator calls over
// HTTP/JSON.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/infrastructure/middleware"
	apperrors "meshsfu/pkg/errors"
	"meshsfu/pkg/logger"
	"meshsfu/pkg/tracing"
)

const defaultTimeout = 5 * time.Second

// StatusError is a non-2xx reply that carries no known domain code.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.URL, e.StatusCode)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type jsonClient struct {
	http *http.Client
}

func newJSONClient(timeout time.Duration) jsonClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return jsonClient{http: &http.Client{Timeout: timeout}}
}

// do sends body as JSON and decodes a 2xx reply into out. Transport failures
// wrap domain.ErrPeerUnreachable; coded error replies wrap the matching
// domain sentinel.
func (c jsonClient) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, url, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	tracing.InjectHTTPHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrPeerUnreachable, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(method, url, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return nil
}

func decodeError(method, url string, resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	if sentinel, ok := middleware.SentinelFor(apperrors.ErrorCode(body.Error)); ok {
		msg := body.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %s %s: %s", sentinel, method, url, msg)
	}
	return &StatusError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Code:       body.Error,
		Message:    body.Message,
	}
}
