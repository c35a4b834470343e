package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"content-hub/internal/config"
)

// Client dispatches a call to a website backend and normalizes its answer.
// A well-formed rejection is a Result, not an error; errors are *TransportError,
// *MalformedResponseError, or a request that could not be built.
type Client interface {
	Dispatch(ctx context.Context, baseURL, method, path string, body any) (Result, error)
}

const maxResponseBytes = 10 << 20

// HTTPClient is the stateless HTTP implementation of Client.
type HTTPClient struct {
	httpClient *http.Client
	tokens     TokenSource
}

// NewHTTPClient builds a client with the given transport and credential source.
func NewHTTPClient(httpClient *http.Client, tokens TokenSource) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPClient{httpClient: httpClient, tokens: tokens}
}

// NewFromConfig picks a signed JWT when a secret is configured, otherwise the static token.
func NewFromConfig(cfg config.Config) *HTTPClient {
	var tokens TokenSource = StaticToken(cfg.RemoteToken)
	if cfg.RemoteJWTSecret != "" {
		tokens = NewJWTSigner(cfg.RemoteJWTSecret, cfg.RemoteJWTIssuer, cfg.RemoteJWTTTL)
	}
	return NewHTTPClient(&http.Client{Timeout: cfg.RemoteTimeout}, tokens)
}

// Dispatch sends method {baseURL}{path} with a JSON body (nil for none).
func (c *HTTPClient) Dispatch(ctx context.Context, baseURL, method, path string, body any) (Result, error) {
	target := joinURL(baseURL, path)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	token, err := c.tokens.Token(baseURL)
	if err != nil {
		return Result{}, fmt.Errorf("bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &TransportError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	return normalize(target, resp.StatusCode, raw)
}

type envelope struct {
	StatusCode *int            `json:"statusCode"`
	Status     *string         `json:"status"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func normalize(target string, httpStatus int, raw []byte) (Result, error) {
	env, reason := parseEnvelope(raw)
	if reason != "" {
		// A bare 5xx page (proxy error, crash) carries no envelope; the status line is enough to retry on.
		if httpStatus >= 500 {
			return Result{
				StatusCode: httpStatus,
				Status:     StatusError,
				Message:    http.StatusText(httpStatus),
				HTTPStatus: httpStatus,
			}, nil
		}
		return Result{}, &MalformedResponseError{
			URL:        target,
			HTTPStatus: httpStatus,
			Reason:     reason,
			Body:       truncate(string(raw), 512),
		}
	}

	res := Result{
		Message:    env.Message,
		Data:       env.Data,
		HTTPStatus: httpStatus,
		StatusCode: httpStatus,
	}
	if env.StatusCode != nil {
		res.StatusCode = *env.StatusCode
	}
	switch {
	case env.Status != nil:
		res.Status = *env.Status
	case is2xx(res.StatusCode):
		res.Status = StatusSuccess
	default:
		res.Status = StatusError
	}
	return res, nil
}

// parseEnvelope returns a non-empty reason when raw is not a valid envelope.
func parseEnvelope(raw []byte) (envelope, string) {
	var env envelope
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, "empty body"
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, "invalid json: " + err.Error()
	}
	if env.Status == nil && env.StatusCode == nil {
		return env, "missing status and statusCode"
	}
	if env.Status != nil && *env.Status != StatusSuccess && *env.Status != StatusError {
		return env, fmt.Sprintf("unknown status %q", *env.Status)
	}
	return env, ""
}

func joinURL(baseURL, path string) string {
	if path == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
