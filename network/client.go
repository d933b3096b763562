package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/api/googleapi"
)

// maxResponseBody bounds how much of a response body is buffered.
const maxResponseBody = 1 << 20

// Request describes one HTTP exchange with the service.
type Request struct {
	Method string
	URL    string
	// Query is merged into the query string already present in URL.
	Query  url.Values
	Header http.Header
	// Body is sent as-is by Send. SendStream takes its body separately.
	Body []byte
	// Idempotent lets Send retry the request on transport errors.
	Idempotent bool
}

type idempotentKey struct{}

// Response is a normalized HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err holds the error object embedded in the response body, if any. It may
	// be set even when the status code alone looks successful.
	Err *googleapi.Error
}

// Success reports a 2xx status without a body-embedded error.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.Err == nil
}

// Client executes requests against the JSON API. It attaches the configured
// encryption headers, billing project and User-Agent to every request.
type Client struct {
	httpClient  *retryablehttp.Client
	endpoint    string
	userProject string
	userAgent   string
	encryption  *encryption
	logger      log.Logger
}

// NewClient wraps httpClient, which is expected to carry authorization (see
// DefaultHTTPClient). A nil httpClient falls back to http.DefaultClient.
func NewClient(httpClient *http.Client, cfg Config, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.HTTPClient = httpClient
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)
	retryableHTTPClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryableHTTPClient.RetryMax = 3
	retryableHTTPClient.RetryWaitMin = 200 * time.Millisecond
	retryableHTTPClient.RetryWaitMax = 2 * time.Second

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = userAgent
	}

	return &Client{
		httpClient:  retryableHTTPClient,
		endpoint:    endpoint,
		userProject: cfg.UserProject,
		userAgent:   agent,
		encryption:  newEncryption(cfg.EncryptionKey),
		logger:      logger,
	}
}

// Endpoint returns the API root the client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// createCustomRetryFunction retries transport errors of idempotent requests
// only. Status codes are always handed back to the caller, which owns the
// upload's retry budget.
func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		idempotent, _ := ctx.Value(idempotentKey{}).(bool)
		retry := reqErr != nil && resp == nil && idempotent
		logger.Debugf("CheckRetry: retry=%v ; idempotent=%v ; err=%+v", retry, idempotent, reqErr)
		return retry, nil
	}
}

// Send executes req with a fully materialized body.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolveURL(req)
	if err != nil {
		return nil, err
	}

	var body interface{}
	if req.Body != nil {
		body = req.Body
	}
	if req.Idempotent {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.decorate(httpReq.Header, req.Header)
	c.dumpRequest(httpReq.Request)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, &TransportError{Op: req.Method + " " + redactURL(target), Err: err}
	}
	return c.normalize(resp)
}

// SendStream executes req with body streamed from r. The request uses chunked
// transfer encoding, so its size does not need to be known up front. It is
// never retried by the client: a consumed stream cannot be replayed here.
func (c *Client) SendStream(ctx context.Context, req Request, r io.Reader) (*Response, error) {
	target, err := c.resolveURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.decorate(httpReq.Header, req.Header)
	c.dumpRequest(httpReq)

	resp, err := c.httpClient.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: req.Method + " " + redactURL(target), Err: err}
	}
	return c.normalize(resp)
}

func (c *Client) resolveURL(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if len(req.Query) == 0 && c.userProject == "" {
		return u.String(), nil
	}

	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.userProject != "" && q.Get("userProject") == "" {
		q.Set("userProject", c.userProject)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) decorate(dst, extra http.Header) {
	for k, vs := range extra {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	dst.Set("User-Agent", c.userAgent)
	if c.encryption != nil {
		dst.Set("x-goog-encryption-algorithm", "AES256")
		dst.Set("x-goog-encryption-key", c.encryption.key)
		dst.Set("x-goog-encryption-key-sha256", c.encryption.hash)
	}
}

func (c *Client) normalize(resp *http.Response) (*Response, error) {
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Op: "read response body", Err: err}
	}
	c.logger.Debugf("Response: HTTP %d (%d bytes)", resp.StatusCode, len(body))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Err:        bodyError(resp.StatusCode, resp.Header, body),
	}, nil
}

// bodyError extracts a JSON API error object of the form {"error": {...}}.
func bodyError(status int, header http.Header, body []byte) *googleapi.Error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var reply struct {
		Error *googleapi.Error `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &reply); err != nil || reply.Error == nil {
		return nil
	}
	if reply.Error.Code == 0 && reply.Error.Message == "" && len(reply.Error.Errors) == 0 {
		return nil
	}
	if reply.Error.Code == 0 {
		reply.Error.Code = status
	}
	reply.Error.Body = string(body)
	reply.Error.Header = header
	return reply.Error
}

func (c *Client) dumpRequest(req *http.Request) {
	redacted := req.Clone(req.Context())
	redacted.Body = nil
	redacted.Header = req.Header.Clone()
	for _, h := range []string{"Authorization", "x-goog-encryption-key", "x-goog-encryption-key-sha256"} {
		if redacted.Header.Get(h) != "" {
			redacted.Header.Set(h, "REDACTED")
		}
	}

	dump, err := httputil.DumpRequest(redacted, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
		return
	}
	c.logger.Debugf("Request dump: %s", string(dump))
}

// redactURL drops the query string, which carries the upload id of a session.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
