package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
)

const headerToken = "X-Vault-Token" // #nosec G101 -- header name, not a credential

// errorBody is the error envelope returned by the secrets backend.
type errorBody struct {
	Errors []string `json:"errors"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseAddress()+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.SessionToken(); token != "" {
		req.Header.Set(headerToken, token)
	}
	return req, nil
}

func (c *Client) doRequest(req *http.Request, op string) (*http.Response, error) {
	if c.smart != nil {
		if err := c.smart.allow(req.Context(), req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", op, err)
		if c.smart != nil {
			c.smart.after(req, false)
		}
		if operatorerrors.IsTransientConnection(err) {
			return nil, operatorerrors.WrapTransientConnection(wrapped)
		}
		return nil, wrapped
	}
	return resp, nil
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func (c *Client) doAndReadAll(req *http.Request, op string) (*http.Response, []byte, error) {
	resp, err := c.doRequest(req, op)
	if err != nil {
		return nil, nil, err
	}
	defer drainAndClose(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.smart != nil {
			c.smart.after(req, false)
		}
		return nil, nil, operatorerrors.WrapTransientConnection(fmt.Errorf("%s: failed to read response body: %w", op, err))
	}

	// The health endpoint encodes state in its status code, so its 429/5xx
	// answers are not overload.
	overloaded := req.URL.Path != constants.APIPathSysHealth &&
		(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
	if c.smart != nil {
		c.smart.after(req, !overloaded)
	}
	return resp, body, nil
}

// call performs a JSON request and decodes a 2xx response into out (when non-nil).
// Non-2xx responses become *APIError; overload statuses are additionally
// marked transient.
func (c *Client) call(ctx context.Context, method, path string, in, out any, op string) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	resp, body, err := c.doAndReadAll(req, op)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(op, resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return operatorerrors.WrapTransientRemoteOverloaded(apiErr)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

func newAPIError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Op: op, StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && len(eb.Errors) > 0 {
		apiErr.Errors = eb.Errors
	} else if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		apiErr.Errors = []string{string(trimmed)}
	}
	return apiErr
}
