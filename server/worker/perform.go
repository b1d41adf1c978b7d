package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tickloom/tickloom/server/store"
)

// attempt is one outbound request the worker is about to make, with the
// task's success criteria attached.
type attempt struct {
	url           string
	method        string
	headers       map[string]string
	body          []byte
	timeout       time.Duration
	expectedCodes []int
	bodyPattern   *string
}

// perform runs the request and classifies the result. Transport errors
// are failed, a blown deadline is timeout, and a response is judged by
// the expected status set (2xx by default) and the body pattern. The
// pattern is matched against the captured prefix only.
func (p *Pool) perform(ctx context.Context, a attempt) store.ExecutionOutcome {
	started := time.Now()

	if err := p.guard.CheckURL(a.url); err != nil {
		return finished(store.ExecFailed, nil, started, "", err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, a.method, a.url, bytes.NewReader(a.body))
	if err != nil {
		return finished(store.ExecFailed, nil, started, "", fmt.Sprintf("build request: %v", err))
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "tickloom/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return finished(store.ExecTimeout, nil, started, "",
				fmt.Sprintf("no response within %dms", a.timeout.Milliseconds()))
		}
		if errors.Is(err, context.Canceled) {
			return finished(store.ExecFailed, nil, started, "", "interrupted by shutdown")
		}
		return finished(store.ExecFailed, nil, started, "", err.Error())
	}
	defer resp.Body.Close()

	captured, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.cfg.MaxResponseCapture)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return finished(store.ExecTimeout, &resp.StatusCode, started, string(captured),
				fmt.Sprintf("response body not fully read within %dms", a.timeout.Milliseconds()))
		}
		return finished(store.ExecFailed, &resp.StatusCode, started, string(captured),
			fmt.Sprintf("read response body: %v", err))
	}
	// Drain the remainder so the connection can be reused.
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	if !statusExpected(code, a.expectedCodes) {
		return finished(store.ExecFailed, &code, started, string(captured),
			fmt.Sprintf("status %d not in expected set", code))
	}
	if a.bodyPattern != nil && *a.bodyPattern != "" && !strings.Contains(string(captured), *a.bodyPattern) {
		return finished(store.ExecFailed, &code, started, string(captured),
			"response body does not match expected pattern")
	}
	return finished(store.ExecSuccess, &code, started, string(captured), "")
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

func finished(status store.ExecStatus, code *int, started time.Time, body, errMsg string) store.ExecutionOutcome {
	return store.ExecutionOutcome{
		Status:       status,
		FinishedAt:   time.Now().UTC(),
		StatusCode:   code,
		DurationMS:   time.Since(started).Milliseconds(),
		ResponseBody: body,
		ErrorMessage: errMsg,
	}
}
