package network

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
	htransport "google.golang.org/api/transport/http"
)

// DefaultEndpoint is the public Cloud Storage API endpoint.
const DefaultEndpoint = "https://storage.googleapis.com"

const userAgent = "go-resumable-upload/1.0"

// Config holds the request-level settings shared by every call a Client makes.
type Config struct {
	// Endpoint is the API root, e.g. "https://storage.googleapis.com".
	// Default: DefaultEndpoint
	Endpoint string

	// UserProject is billed for the requests when set (requester pays).
	UserProject string

	// EncryptionKey is a raw customer-supplied AES-256 key. When set, every
	// request carries the x-goog-encryption-* headers.
	EncryptionKey []byte

	// UserAgent overrides the User-Agent header.
	UserAgent string
}

// encryption holds the header forms of a customer-supplied key.
type encryption struct {
	key  string
	hash string
}

func newEncryption(raw []byte) *encryption {
	if len(raw) == 0 {
		return nil
	}
	sum := sha256.Sum256(raw)
	return &encryption{
		key:  base64.StdEncoding.EncodeToString(raw),
		hash: base64.StdEncoding.EncodeToString(sum[:]),
	}
}

// DefaultHTTPClient returns an HTTP client authorized for Cloud Storage
// read-write access using Application Default Credentials. opts are passed
// through, allowing credential injection.
func DefaultHTTPClient(ctx context.Context, opts ...option.ClientOption) (*http.Client, error) {
	opts = append([]option.ClientOption{option.WithScopes(storage.DevstorageReadWriteScope)}, opts...)
	transport, err := htransport.NewTransport(ctx, baseTransport(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create authorized transport: %w", err)
	}
	// No timeout: a streaming request lives as long as the caller keeps
	// writing. Requests are bounded by their context instead.
	return &http.Client{Transport: transport}, nil
}

func baseTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
	}
}
