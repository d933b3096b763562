// Package upload streams data into a Cloud Storage object through a
// resumable upload session. An interrupted upload, whether by a network
// failure, a crash or the service, is resumed from the bytes the service
// already holds, using the session store to find the session again.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-resumable-upload/network"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	storage "google.golang.org/api/storage/v1"
)

// inputQueueLength bounds the caller writes buffered ahead of the network.
const inputQueueLength = 16

// readFromChunkSize is the read size used by ReadFrom.
const readFromChunkSize = 256 << 10

// Option configures an Upload.
type Option func(*Upload)

// WithLogger sets the logger. Default: log.NewLogger()
func WithLogger(logger log.Logger) Option {
	return func(u *Upload) {
		u.logger = logger
	}
}

// WithStore sets the session store used to find and record sessions.
// Default: an in-memory store private to the upload.
func WithStore(store sessioncache.Store) Option {
	return func(u *Upload) {
		u.store = store
	}
}

// WithHTTPClient sets the authorized HTTP client.
// Default: network.DefaultHTTPClient
func WithHTTPClient(client *http.Client) Option {
	return func(u *Upload) {
		u.httpClient = client
	}
}

// WithObserver registers an event observer.
func WithObserver(observer Observer) Option {
	return func(u *Upload) {
		u.observers = append(u.observers, observer)
	}
}

// WithBackoff replaces the retry backoff. It is called with a one second
// base, no cap and the retry number.
func WithBackoff(backoff retryablehttp.Backoff) Option {
	return func(u *Upload) {
		u.backoff = backoff
	}
}

// Upload is a writable stream into one object. Writes are buffered and sent
// by a control goroutine started on the first Write or Close. Close blocks
// until the service accepted or rejected the upload.
//
// Upload is not safe for concurrent Write calls.
type Upload struct {
	cfg        Config
	client     *network.Client
	httpClient *http.Client
	store      sessioncache.Store
	logger     log.Logger
	observers  []Observer
	backoff    retryablehttp.Backoff
	cacheKey   string
	stats      Stats

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	input     chan []byte
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error

	state atomic.Int32

	mu       sync.Mutex
	uri      string
	metadata *storage.Object

	// Owned by the control goroutine.
	session session
}

// New validates cfg and prepares an upload. It does not touch the network.
func New(ctx context.Context, cfg Config, opts ...Option) (*Upload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &Upload{
		cfg:     cfg,
		logger:  log.NewLogger(),
		backoff: ExponentialJitterBackoff,
		input:   make(chan []byte, inputQueueLength),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.store == nil {
		u.store = sessioncache.NewMemoryStore()
	}
	if u.httpClient == nil {
		httpClient, err := network.DefaultHTTPClient(ctx)
		if err != nil {
			return nil, err
		}
		u.httpClient = httpClient
	}
	u.client = network.NewClient(u.httpClient, network.Config{
		Endpoint:      cfg.Endpoint,
		UserProject:   cfg.UserProject,
		EncryptionKey: cfg.EncryptionKey,
	}, u.logger)

	u.cacheKey = sessioncache.Key(cfg.Bucket, cfg.Object, cfg.Generation)
	u.ctx, u.cancel = context.WithCancel(ctx)
	return u, nil
}

// Write queues p for upload. It returns the terminal error once the upload
// failed.
func (u *Upload) Write(p []byte) (int, error) {
	if u.aborted.Load() {
		return 0, ErrAborted
	}
	if u.closed.Load() {
		return 0, ErrClosed
	}
	u.start()
	if len(p) == 0 {
		return 0, nil
	}

	// A free buffer slot must not hide a failure that already happened.
	select {
	case <-u.done:
		return 0, u.terminalError()
	default:
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case u.input <- chunk:
		return len(p), nil
	case <-u.done:
		return 0, u.terminalError()
	}
}

// ReadFrom writes everything read from r until EOF. It does not close the
// upload.
func (u *Upload) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, readFromChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			written, werr := u.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Close ends the input and waits for the upload to finish. It returns nil
// once the object was created.
func (u *Upload) Close() error {
	u.start()
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		close(u.input)
	})
	<-u.done
	return u.terminalError()
}

// Abort stops the upload, cancels the session on the service and forgets
// it. Write and Close return ErrAborted afterwards.
func (u *Upload) Abort(ctx context.Context) error {
	u.aborted.Store(true)
	u.cancel()

	// An upload that never started has nothing to wait for.
	u.startOnce.Do(func() {
		close(u.done)
	})
	<-u.done

	if uri := u.URI(); uri != "" {
		if err := u.client.CancelSession(ctx, uri); err != nil {
			return fmt.Errorf("cancel session: %w", err)
		}
	}
	if err := u.store.Delete(ctx, u.cacheKey); err != nil {
		return fmt.Errorf("forget session: %w", err)
	}
	return nil
}

// Metadata returns the created object, or nil before completion.
func (u *Upload) Metadata() *storage.Object {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.metadata
}

// URI returns the session URI, or "" before one is known.
func (u *Upload) URI() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uri
}

// State returns the current state of the upload.
func (u *Upload) State() State {
	return State(u.state.Load())
}

// Stats returns request counters of the upload.
func (u *Upload) Stats() Snapshot {
	return u.stats.Snapshot()
}

func (u *Upload) start() {
	u.startOnce.Do(func() {
		go u.run()
	})
}

func (u *Upload) terminalError() error {
	if u.aborted.Load() {
		return ErrAborted
	}
	return u.err
}

func (u *Upload) setState(s State) {
	u.state.Store(int32(s))
}

func (u *Upload) setURI(uri string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uri = uri
}

func (u *Upload) emit(e Event) {
	for _, o := range u.observers {
		o.Observe(e)
	}
}

func (u *Upload) run() {
	defer close(u.done)
	defer u.cancel()

	start := time.Now()
	err := u.loop(u.ctx)
	if err == nil {
		u.setState(StateCompleted)
		u.logger.Debugf("Upload of gs://%s/%s finished in %s", u.cfg.Bucket, u.cfg.Object, time.Since(start).Round(time.Millisecond))
		return
	}

	if u.aborted.Load() {
		err = ErrAborted
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("upload of gs://%s/%s interrupted: %w", u.cfg.Bucket, u.cfg.Object, err)
	}
	u.err = err
	u.setState(StateFailed)
	u.emit(Event{Type: EventError, Err: err})
}
