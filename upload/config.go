package upload

import (
	"fmt"
	"net/url"

	storage "google.golang.org/api/storage/v1"
)

// UnknownLength marks an upload whose total size is not known up front.
const UnknownLength int64 = -1

// DefaultMaxReplayBytes bounds the bytes retained for re-sending after a
// retry or restart.
const DefaultMaxReplayBytes int64 = 64 << 20

// DefaultRetryLimit is the number of consecutive retries before an upload
// fails with ErrRetryLimitExceeded.
const DefaultRetryLimit = 5

const encryptionKeySize = 32

var predefinedACLs = map[string]bool{
	"authenticatedRead":      true,
	"bucketOwnerFullControl": true,
	"bucketOwnerRead":        true,
	"private":                true,
	"projectPrivate":         true,
	"publicRead":             true,
}

// Metadata describes the object being created.
type Metadata struct {
	// ContentLength is the total upload size. Zero or UnknownLength means the
	// size is decided by the end of the stream.
	ContentLength int64

	// ContentType is sent as X-Upload-Content-Type and stored on the object.
	ContentType string

	// Resource holds further object fields sent when the session is opened,
	// e.g. CacheControl or Metadata.
	Resource *storage.Object
}

// Config holds the immutable settings of one upload.
type Config struct {
	Bucket string
	Object string

	// Endpoint is the API root.
	// Default: https://storage.googleapis.com
	Endpoint string

	// Generation makes the upload conditional on the object's current
	// generation. Zero means the object must not exist yet.
	Generation *int64

	// EncryptionKey is a raw 32 byte customer-supplied AES-256 key.
	EncryptionKey []byte
	KMSKeyName    string

	// PredefinedACL is one of the Cloud Storage predefined ACL names.
	PredefinedACL string
	// Public and Private are shortcuts for publicRead and private.
	Public  bool
	Private bool

	// UserProject is billed for the requests.
	UserProject string

	// Origin is forwarded when the session is opened, for CORS uploads.
	Origin string

	Metadata Metadata

	// URI resumes an existing session instead of looking one up in the
	// session store.
	URI string

	// Offset skips the offset query when resuming URI. It is ignored when no
	// session is known.
	Offset *int64

	// MaxReplayBytes bounds the bytes kept for re-sending after a retry.
	// Negative disables retention.
	// Default: DefaultMaxReplayBytes
	MaxReplayBytes int64

	// RetryLimit is the number of consecutive retries allowed.
	// Default: DefaultRetryLimit
	RetryLimit int
}

// DefaultConfig returns a configuration for bucket/object with defaults
// filled in.
func DefaultConfig(bucket, object string) Config {
	return Config{
		Bucket:         bucket,
		Object:         object,
		Metadata:       Metadata{ContentLength: UnknownLength},
		MaxReplayBytes: DefaultMaxReplayBytes,
		RetryLimit:     DefaultRetryLimit,
	}
}

// ConfigError reports an invalid configuration. It is returned before any
// network activity.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid upload config: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration for missing and conflicting settings.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Reason: "must not be empty"}
	}
	if c.Object == "" {
		return &ConfigError{Field: "Object", Reason: "must not be empty"}
	}
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: "Endpoint", Reason: fmt.Sprintf("%q is not an absolute URL", c.Endpoint)}
		}
	}
	if len(c.EncryptionKey) > 0 && len(c.EncryptionKey) != encryptionKeySize {
		return &ConfigError{Field: "EncryptionKey", Reason: fmt.Sprintf("must be %d bytes, got %d", encryptionKeySize, len(c.EncryptionKey))}
	}
	if len(c.EncryptionKey) > 0 && c.KMSKeyName != "" {
		return &ConfigError{Field: "KMSKeyName", Reason: "cannot be combined with EncryptionKey"}
	}
	if c.Public && c.Private {
		return &ConfigError{Field: "Public", Reason: "cannot be combined with Private"}
	}
	if (c.Public || c.Private) && c.PredefinedACL != "" {
		return &ConfigError{Field: "PredefinedACL", Reason: "cannot be combined with Public or Private"}
	}
	if c.PredefinedACL != "" && !predefinedACLs[c.PredefinedACL] {
		return &ConfigError{Field: "PredefinedACL", Reason: fmt.Sprintf("unknown ACL %q", c.PredefinedACL)}
	}
	if c.Offset != nil && *c.Offset < 0 {
		return &ConfigError{Field: "Offset", Reason: "must not be negative"}
	}
	if c.Metadata.ContentLength < UnknownLength {
		return &ConfigError{Field: "Metadata.ContentLength", Reason: "must not be negative"}
	}
	if c.RetryLimit < 0 {
		return &ConfigError{Field: "RetryLimit", Reason: "must not be negative"}
	}
	return nil
}

func (c Config) predefinedACL() string {
	switch {
	case c.Public:
		return "publicRead"
	case c.Private:
		return "private"
	}
	return c.PredefinedACL
}

// contentLength normalizes the declared size to UnknownLength when unset.
func (c Config) contentLength() int64 {
	if c.Metadata.ContentLength <= 0 {
		return UnknownLength
	}
	return c.Metadata.ContentLength
}

func (c Config) maxReplayBytes() int64 {
	switch {
	case c.MaxReplayBytes == 0:
		return DefaultMaxReplayBytes
	case c.MaxReplayBytes < 0:
		return 0
	}
	return c.MaxReplayBytes
}

func (c Config) retryLimit() int {
	if c.RetryLimit == 0 {
		return DefaultRetryLimit
	}
	return c.RetryLimit
}

func (c Config) resource() *storage.Object {
	obj := storage.Object{}
	if c.Metadata.Resource != nil {
		obj = *c.Metadata.Resource
	}
	if c.Metadata.ContentType != "" {
		obj.ContentType = c.Metadata.ContentType
	}
	return &obj
}
