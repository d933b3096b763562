package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	storage "google.golang.org/api/storage/v1"
)

// StatusResumeIncomplete is the status the service answers with while a
// resumable session has not received all of its bytes.
const StatusResumeIncomplete = 308

// statusClientClosed is returned by the service when a session is cancelled.
const statusClientClosed = 499

// SessionParams describes the object a new resumable session will create.
type SessionParams struct {
	Bucket string
	Object string

	// Generation, when set, makes the upload conditional on the object's
	// current generation (ifGenerationMatch).
	Generation *int64

	KMSKeyName    string
	PredefinedACL string

	// Origin is forwarded for CORS-enabled uploads.
	Origin string

	// ContentLength is the total upload size, or a negative value if unknown.
	ContentLength int64

	// Resource is the object metadata sent as the session request body.
	Resource *storage.Object

	// Query holds additional query parameters, e.g. ifMetagenerationMatch.
	Query url.Values
}

// UploadURL returns the resumable upload collection URL for bucket.
func (c *Client) UploadURL(bucket string) string {
	return fmt.Sprintf("%s/upload/storage/v1/b/%s/o", c.endpoint, url.PathEscape(bucket))
}

// OpenSession negotiates a new resumable session and returns its URI.
func (c *Client) OpenSession(ctx context.Context, params SessionParams) (string, error) {
	resource := storage.Object{}
	if params.Resource != nil {
		resource = *params.Resource
	}
	resource.Name = params.Object

	body, err := json.Marshal(&resource)
	if err != nil {
		return "", fmt.Errorf("encode object metadata: %w", err)
	}

	query := url.Values{}
	for k, vs := range params.Query {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("name", params.Object)
	query.Set("uploadType", "resumable")
	if params.Generation != nil {
		query.Set("ifGenerationMatch", strconv.FormatInt(*params.Generation, 10))
	}
	if params.KMSKeyName != "" {
		query.Set("kmsKeyName", params.KMSKeyName)
	}
	if params.PredefinedACL != "" {
		query.Set("predefinedAcl", params.PredefinedACL)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	if params.ContentLength >= 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(params.ContentLength, 10))
	}
	if resource.ContentType != "" {
		header.Set("X-Upload-Content-Type", resource.ContentType)
	}
	if params.Origin != "" {
		header.Set("Origin", params.Origin)
	}

	c.logger.Debugf("Open resumable session for gs://%s/%s", params.Bucket, params.Object)
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		URL:    c.UploadURL(params.Bucket),
		Query:  query,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", newProtocolError("open session", resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &ProtocolError{Op: "open session", StatusCode: resp.StatusCode, Message: "response has no Location header"}
	}
	return location, nil
}

// QueryOffset asks the service how many bytes of the session it has
// persisted, and returns the offset of the next byte it expects.
func (c *Client) QueryOffset(ctx context.Context, uri string) (int64, error) {
	header := http.Header{}
	header.Set("Content-Range", "bytes */*")

	resp, err := c.Send(ctx, Request{Method: http.MethodPut, URL: uri, Header: header, Idempotent: true})
	if err != nil {
		return 0, err
	}

	switch {
	case resp.StatusCode == StatusResumeIncomplete:
		if resp.Err != nil {
			return 0, newProtocolError("query offset", resp)
		}
		return ParseRange(resp.Header.Get("Range")), nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return 0, ErrSessionCompleted
	case resp.StatusCode == http.StatusNotFound:
		return 0, ErrSessionNotFound
	case resp.StatusCode == http.StatusGone:
		return 0, ErrSessionTerminated
	default:
		return 0, newProtocolError("query offset", resp)
	}
}

// CancelSession terminates the session at uri. Sessions the service no longer
// knows about count as cancelled.
func (c *Client) CancelSession(ctx context.Context, uri string) error {
	resp, err := c.Send(ctx, Request{Method: http.MethodDelete, URL: uri})
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case statusClientClosed, http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return newProtocolError("cancel session", resp)
	}
}

// ParseRange converts a "bytes=0-N" header into the next expected offset N+1.
// A missing or malformed header means nothing was persisted.
func ParseRange(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	header = strings.TrimPrefix(strings.TrimPrefix(header, "bytes="), "bytes ")

	_, last, ok := strings.Cut(header, "-")
	if !ok {
		return 0
	}
	end, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || end < 0 {
		return 0
	}
	return end + 1
}
