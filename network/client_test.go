package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_DecoratesRequest(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	digest := sha256.Sum256(key)

	var got *http.Request
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{
		Endpoint:      svr.URL,
		UserProject:   "billing-project",
		EncryptionKey: key,
	}, log.NewLogger())

	resp, err := client.Send(context.Background(), Request{
		Method: http.MethodPut,
		URL:    svr.URL + "/upload?upload_id=abc",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())

	require.NotNil(t, got)
	assert.Equal(t, "abc", got.URL.Query().Get("upload_id"))
	assert.Equal(t, "billing-project", got.URL.Query().Get("userProject"))
	assert.Equal(t, "AES256", got.Header.Get("x-goog-encryption-algorithm"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(key), got.Header.Get("x-goog-encryption-key"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(digest[:]), got.Header.Get("x-goog-encryption-key-sha256"))
	assert.Equal(t, userAgent, got.Header.Get("User-Agent"))
}

func TestClient_Send_WithoutEncryptionKey(t *testing.T) {
	var got http.Header
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
	_, err := client.Send(context.Background(), Request{Method: http.MethodGet, URL: svr.URL})
	require.NoError(t, err)

	assert.Empty(t, got.Get("x-goog-encryption-key"))
	assert.Empty(t, got.Get("x-goog-encryption-algorithm"))
}

func TestClient_Send_StatusesAreNotErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "gone", status: http.StatusGone},
		{name: "internal server error", status: http.StatusInternalServerError},
		{name: "service unavailable", status: http.StatusServiceUnavailable},
		{name: "resume incomplete", status: StatusResumeIncomplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
			}))
			defer svr.Close()

			client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
			resp, err := client.Send(context.Background(), Request{Method: http.MethodPut, URL: svr.URL, Idempotent: true})
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.False(t, resp.Success())
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "statuses must not be retried by the client")
		})
	}
}

func TestClient_Send_BodyErrorOnSuccessStatus(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"error":{"message":"backend rejected the object","errors":[{"reason":"invalid"}]}}`)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
	resp, err := client.Send(context.Background(), Request{Method: http.MethodPut, URL: svr.URL})
	require.NoError(t, err)

	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusOK, resp.Err.Code)
	assert.Equal(t, "backend rejected the object", resp.Err.Message)
	assert.False(t, resp.Success())
}

func TestClient_Send_ObjectBodyIsNotAnError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"name":"object","bucket":"bucket","size":"3"}`)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
	resp, err := client.Send(context.Background(), Request{Method: http.MethodPut, URL: svr.URL})
	require.NoError(t, err)
	assert.Nil(t, resp.Err)
	assert.True(t, resp.Success())
}

func TestClient_SendStream(t *testing.T) {
	var (
		received []byte
		encoding []string
	)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.TransferEncoding
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 4; i++ {
			_, _ = pw.Write([]byte(strings.Repeat("x", 1000)))
		}
		_ = pw.Close()
	}()

	resp, err := client.SendStream(context.Background(), Request{Method: http.MethodPut, URL: svr.URL}, pr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, received, 4000)
	assert.Equal(t, []string{"chunked"}, encoding)
}

func TestClient_SendStream_Cancel(t *testing.T) {
	started := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte("partial"))
		<-started
		cancel()
	}()

	_, err := client.SendStream(ctx, Request{Method: http.MethodPut, URL: svr.URL}, pr)
	require.Error(t, err)

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Send_RetriesIdempotentTransportErrors(t *testing.T) {
	var calls int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		w.Header().Set("Range", "bytes=0-9")
		w.WriteHeader(StatusResumeIncomplete)
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
	client.httpClient.RetryWaitMin = time.Millisecond
	client.httpClient.RetryWaitMax = time.Millisecond

	offset, err := client.QueryOffset(context.Background(), svr.URL+"/session")
	require.NoError(t, err)
	assert.Equal(t, int64(10), offset)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Send_DoesNotRetryNonIdempotentTransportErrors(t *testing.T) {
	var calls int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer svr.Close()

	client := NewClient(svr.Client(), Config{Endpoint: svr.URL}, log.NewLogger())
	_, err := client.Send(context.Background(), Request{Method: http.MethodPost, URL: svr.URL, Body: []byte("{}")})

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateCustomRetryFunction(t *testing.T) {
	idempotent := context.WithValue(context.Background(), idempotentKey{}, true)
	cancelled, cancel := context.WithCancel(idempotent)
	cancel()

	cases := []struct {
		name     string
		ctx      context.Context
		response *http.Response
		error    error
		expected bool
	}{
		{
			name:     "idempotent transport error",
			ctx:      idempotent,
			error:    errors.New("connection reset by peer"),
			expected: true,
		},
		{
			name:     "non-idempotent transport error",
			ctx:      context.Background(),
			error:    errors.New("connection reset by peer"),
			expected: false,
		},
		{
			name:     "server error status",
			ctx:      idempotent,
			response: &http.Response{StatusCode: http.StatusServiceUnavailable},
			expected: false,
		},
		{
			name:     "cancelled context",
			ctx:      cancelled,
			error:    context.Canceled,
			expected: false,
		},
	}

	customRetryFunction := createCustomRetryFunction(log.NewLogger())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := customRetryFunction(tc.ctx, tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(nil, Config{}, log.NewLogger())
	assert.Equal(t, DefaultEndpoint, client.Endpoint())
	assert.Equal(t, DefaultEndpoint+"/upload/storage/v1/b/my%20bucket/o", client.UploadURL("my bucket"))

	client = NewClient(nil, Config{Endpoint: "http://localhost:4443/"}, log.NewLogger())
	assert.Equal(t, "http://localhost:4443", client.Endpoint())
}
