package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxProviderBody = 1 << 20

// postJSON sends body to url and returns the raw response. The call is bound
// by deps.Timeout regardless of the caller's deadline.
func postJSON(ctx context.Context, deps Deps, t Type, op, url string, body any) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, deps.Timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := deps.HTTP.Do(req)
	if err != nil {
		deps.Observe(t, op, time.Since(start), false)
		return nil, 0, fmt.Errorf("%s %s: %w", t, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	deps.Observe(t, op, time.Since(start), err == nil && resp.StatusCode < 500)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s %s: read body: %w", t, op, err)
	}
	return raw, resp.StatusCode, nil
}
