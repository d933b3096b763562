package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-resumable-upload/network"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	storage "google.golang.org/api/storage/v1"
)

const offsetUnknown int64 = -1

type uriSource int

const (
	sourceNone uriSource = iota
	sourceCaller
	sourceCache
	sourceNegotiated
)

// session is the mutable state of one upload. Only the control goroutine
// touches it.
type session struct {
	uri    string
	source uriSource
	// offset is the next byte the service expects.
	offset int64
	// bytesWritten counts caller bytes processed in the current logical
	// upload. It equals replay.end().
	bytesWritten  int64
	// retryCount counts consecutive retryable failures. Only a reply that
	// is not retried resets it; restarts keep it.
	retryCount    int
	restarts      int
	fingerprint   []byte
	contentLength int64

	buffer *bufferStage
	replay *replayBuffer
}

// retryError asks the orchestrator to send the data again.
type retryError struct {
	cause error
	resp  *network.Response
	// sameOffset skips backoff and the offset query.
	sameOffset bool
}

func (e *retryError) Error() string {
	return "retryable: " + e.cause.Error()
}

func (e *retryError) Unwrap() error {
	return e.cause
}

type attemptResult struct {
	resp *network.Response
	err  error
}

// attempt is one streaming PUT. Its body is fed through pw.
type attempt struct {
	pw        *io.PipeWriter
	cancel    context.CancelFunc
	responded chan struct{}
	result    attemptResult
}

func (a *attempt) wait() attemptResult {
	<-a.responded
	a.cancel()
	return a.result
}

// abort tears the request down and waits until its goroutine returned.
func (a *attempt) abort() {
	_ = a.pw.CloseWithError(errInterrupted)
	a.cancel()
	<-a.responded
}

func (u *Upload) loop(ctx context.Context) error {
	s := &u.session
	s.offset = offsetUnknown
	s.contentLength = u.cfg.contentLength()
	s.buffer = newBufferStage(u.input)
	s.replay = newReplayBuffer(u.cfg.maxReplayBytes())

	u.setState(StateNegotiating)
	u.loadSession(ctx)

	for {
		err := u.step(ctx)

		var (
			restart *restartError
			retry   *retryError
		)
		switch {
		case err == nil:
			return nil
		case errors.As(err, &restart):
			if err := u.restart(ctx, restart.reason); err != nil {
				return err
			}
		case errors.As(err, &retry):
			if err := u.retry(ctx, retry); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (u *Upload) step(ctx context.Context) error {
	if err := u.negotiate(ctx); err != nil {
		return err
	}
	return u.transfer(ctx)
}

// loadSession picks the session to resume: the caller's URI first, then the
// cached one.
func (u *Upload) loadSession(ctx context.Context) {
	s := &u.session

	record, err := u.store.Get(ctx, u.cacheKey)
	if err != nil && !errors.Is(err, sessioncache.ErrNotFound) {
		u.logger.Warnf("Failed to read cached session for %s: %s", u.cacheKey, err)
	}

	switch {
	case u.cfg.URI != "":
		s.uri, s.source = u.cfg.URI, sourceCaller
		if record.SessionURI == u.cfg.URI {
			s.fingerprint = record.Fingerprint
		}
	case record.SessionURI != "":
		s.uri, s.source = record.SessionURI, sourceCache
		s.fingerprint = record.Fingerprint
		u.logger.Debugf("Resuming cached session for %s", u.cacheKey)
	}

	if u.cfg.Offset != nil {
		if s.uri != "" {
			s.offset = *u.cfg.Offset
		} else {
			u.logger.Warnf("Ignoring offset %d: no session to resume for %s", *u.cfg.Offset, u.cacheKey)
		}
	}
	if s.uri != "" {
		u.setURI(s.uri)
	}
}

// negotiate makes sure a session exists and its offset is known.
func (u *Upload) negotiate(ctx context.Context) error {
	s := &u.session

	if s.uri == "" {
		u.setState(StateNegotiating)
		uri, err := u.client.OpenSession(ctx, network.SessionParams{
			Bucket:        u.cfg.Bucket,
			Object:        u.cfg.Object,
			Generation:    u.cfg.Generation,
			KMSKeyName:    u.cfg.KMSKeyName,
			PredefinedACL: u.cfg.predefinedACL(),
			Origin:        u.cfg.Origin,
			ContentLength: s.contentLength,
			Resource:      u.cfg.resource(),
		})
		if err != nil {
			return fmt.Errorf("open upload session: %w", err)
		}

		s.uri, s.source, s.offset = uri, sourceNegotiated, 0
		u.setURI(uri)
		u.saveSession(ctx)
		return nil
	}

	if s.offset == offsetUnknown {
		u.setState(StateNegotiating)
		offset, err := u.client.QueryOffset(ctx, s.uri)
		switch {
		case err == nil:
			u.logger.Debugf("Service holds %d bytes of %s", offset, u.cacheKey)
			s.offset = offset
		case errors.Is(err, network.ErrSessionTerminated):
			return &restartError{reason: "session terminated"}
		case errors.Is(err, network.ErrSessionNotFound), errors.Is(err, network.ErrSessionCompleted):
			if s.source == sourceCaller {
				return fmt.Errorf("resume upload session: %w", err)
			}
			return &restartError{reason: err.Error()}
		case retryableResponse(err):
			return &retryError{cause: err}
		default:
			return fmt.Errorf("query upload offset: %w", err)
		}
	}

	return u.rewind(s.offset)
}

func retryableResponse(err error) bool {
	var transportErr *network.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var protocolErr *network.ProtocolError
	return errors.As(err, &protocolErr) && isServerError(protocolErr.StatusCode)
}

// transfer streams the pipeline output in one request and interprets the
// response.
func (u *Upload) transfer(ctx context.Context) error {
	u.setState(StateStreaming)
	started := time.Now()
	a := u.startAttempt(ctx)

	eof, sent, err := u.pump(ctx, a)
	if err != nil {
		a.abort()
		u.stats.attemptFinished(time.Since(started), sent)
		return err
	}

	u.setState(StateAwaitingResponse)
	result := a.wait()
	u.stats.attemptFinished(time.Since(started), sent)
	return u.interpret(ctx, result, eof)
}

func (u *Upload) startAttempt(ctx context.Context) *attempt {
	s := &u.session
	actx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	a := &attempt{pw: pw, cancel: cancel, responded: make(chan struct{})}

	total := "*"
	if s.contentLength >= 0 {
		total = strconv.FormatInt(s.contentLength, 10)
	}
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-*/%s", s.offset, total))
	req := network.Request{Method: http.MethodPut, URL: s.uri, Header: header}

	go func() {
		defer close(a.responded)
		resp, err := u.client.SendStream(actx, req, pr)
		_ = pr.CloseWithError(errAttemptDone)
		a.result = attemptResult{resp: resp, err: err}
	}()
	return a
}

// pump moves chunks from the buffer through the identity and offset filter
// into the request body. eof reports that the whole input was sent; a false
// eof with a nil error means the request ended first.
func (u *Upload) pump(ctx context.Context, a *attempt) (eof bool, sent int64, err error) {
	s := &u.session
	for {
		var chunk []byte
		if s.bytesWritten == 0 {
			chunk, err = s.buffer.nextAtLeast(ctx, a.responded, sessioncache.FingerprintSize)
		} else {
			chunk, err = s.buffer.next(ctx, a.responded)
		}
		switch {
		case err == io.EOF:
			_ = a.pw.Close()
			return true, sent, nil
		case errors.Is(err, errInterrupted):
			return false, sent, nil
		case err != nil:
			return false, sent, err
		}

		if s.bytesWritten == 0 {
			if err := u.checkFingerprint(ctx, chunk); err != nil {
				s.buffer.unshift(chunk)
				return false, sent, err
			}
		}

		start := s.bytesWritten
		u.progress(start + int64(len(chunk)))
		s.bytesWritten += int64(len(chunk))
		s.replay.append(chunk)

		rest := trimChunk(chunk, start, s.offset)
		if len(rest) == 0 {
			continue
		}
		if _, err := a.pw.Write(rest); err != nil {
			// The request is over; its outcome explains why.
			return false, sent, nil
		}
		sent += int64(len(rest))
	}
}

// checkFingerprint compares the head of the stream with the one recorded for
// the session, recording it when none is known yet.
func (u *Upload) checkFingerprint(ctx context.Context, chunk []byte) error {
	s := &u.session
	head := chunk[:min(len(chunk), sessioncache.FingerprintSize)]

	if s.fingerprint == nil {
		s.fingerprint = append([]byte(nil), head...)
		u.saveSession(ctx)
		return nil
	}
	if !bytes.Equal(s.fingerprint, head) {
		return &restartError{reason: "content differs from the content of the cached session"}
	}
	return nil
}

func (u *Upload) progress(total int64) {
	s := &u.session
	u.emit(Event{Type: EventProgress, BytesWritten: total, ContentLength: s.contentLength})
}

// interpret maps the outcome of a data request onto the state machine.
func (u *Upload) interpret(ctx context.Context, result attemptResult, eof bool) error {
	s := &u.session

	if result.err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryableResponse(result.err) {
			return &retryError{cause: result.err}
		}
		return result.err
	}

	resp := result.resp
	status := resp.StatusCode
	switch {
	case status == http.StatusNotFound:
		return &retryError{cause: protocolError(resp), resp: resp, sameOffset: true}
	case isServerError(status):
		return &retryError{cause: protocolError(resp), resp: resp}
	case status == http.StatusGone:
		return &restartError{reason: "session terminated by the service"}
	case !eof && resp.Err == nil && status == network.StatusResumeIncomplete:
		return &retryError{cause: protocolError(resp), resp: resp}
	}

	// Every reply that is not retried is reported, failures included.
	s.retryCount = 0
	u.emit(Event{Type: EventResponse, Response: resp})

	switch {
	case resp.Err != nil:
		return protocolError(resp)
	case status != network.StatusResumeIncomplete && (status < 200 || status > 299):
		return protocolError(resp)
	case !eof:
		return &network.ProtocolError{
			Op:         "upload",
			StatusCode: status,
			Message:    fmt.Sprintf("service finalized the object after %d of the written bytes", s.bytesWritten),
		}
	}

	obj := &storage.Object{Bucket: u.cfg.Bucket, Name: u.cfg.Object}
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, obj); err != nil {
			return &network.ProtocolError{Op: "upload", StatusCode: status, Message: fmt.Sprintf("decode object metadata: %s", err)}
		}
	}

	u.mu.Lock()
	u.metadata = obj
	u.mu.Unlock()

	u.emit(Event{Type: EventMetadata, Metadata: obj})
	if err := u.store.Delete(ctx, u.cacheKey); err != nil {
		u.logger.Warnf("Failed to forget finished session for %s: %s", u.cacheKey, err)
	}
	return nil
}

func protocolError(resp *network.Response) *network.ProtocolError {
	e := &network.ProtocolError{Op: "upload", StatusCode: resp.StatusCode, APIError: resp.Err}
	if resp.Err == nil && len(resp.Body) > 0 {
		e.Message = string(resp.Body)
	}
	return e
}

// retry consumes one unit of the retry budget and prepares the next attempt.
func (u *Upload) retry(ctx context.Context, r *retryError) error {
	s := &u.session
	limit := u.cfg.retryLimit()
	if s.retryCount >= limit {
		return fmt.Errorf("%w after %d retries: %w", ErrRetryLimitExceeded, s.retryCount, r.cause)
	}
	s.retryCount++
	u.stats.retried()
	u.setState(StateRetrying)

	if r.sameOffset {
		u.logger.Warnf("Upload of %s failed (%s), retrying from offset %d (%d/%d)", u.cacheKey, r.cause, s.offset, s.retryCount, limit)
		u.emit(Event{Type: EventRetry, Attempt: s.retryCount, Response: r.resp, Reason: r.cause.Error(), Err: r.cause})
		return u.rewind(s.offset)
	}

	var raw *http.Response
	if r.resp != nil {
		raw = &http.Response{StatusCode: r.resp.StatusCode, Header: r.resp.Header}
	}
	delay := u.backoff(retryBaseDelay, 0, s.retryCount, raw)
	u.logger.Warnf("Upload of %s failed (%s), retrying in %s (%d/%d)", u.cacheKey, r.cause, delay.Round(time.Millisecond), s.retryCount, limit)
	u.emit(Event{Type: EventRetry, Attempt: s.retryCount, Delay: delay, Response: r.resp, Reason: r.cause.Error(), Err: r.cause})

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	s.offset = offsetUnknown
	return nil
}

// restart drops the current session and starts the logical upload over.
func (u *Upload) restart(ctx context.Context, reason string) error {
	s := &u.session
	s.restarts++
	if s.restarts > u.cfg.retryLimit() {
		return fmt.Errorf("%w: restarted %d times, last because %s", ErrRetryLimitExceeded, s.restarts-1, reason)
	}

	u.setState(StateRestarting)
	u.stats.restarted()
	u.logger.Infof("Restarting upload of %s: %s", u.cacheKey, reason)

	if err := u.store.Delete(ctx, u.cacheKey); err != nil {
		u.logger.Warnf("Failed to forget session for %s: %s", u.cacheKey, err)
	}
	if err := u.rewind(0); err != nil {
		return err
	}
	s.replay.reset()

	s.uri, s.source, s.offset = "", sourceNone, offsetUnknown
	s.fingerprint = nil
	u.setURI("")

	u.emit(Event{Type: EventRestart, Reason: reason})
	return nil
}

// rewind makes the bytes from position to on available to the filter again.
func (u *Upload) rewind(to int64) error {
	s := &u.session
	if to >= s.bytesWritten {
		return nil
	}

	data, ok := s.replay.since(to)
	if !ok {
		return fmt.Errorf("%w: service expects offset %d, oldest buffered byte is %d", ErrReplayUnavailable, to, s.replay.start)
	}
	s.replay.truncate(to)
	s.buffer.unshift(data)
	s.bytesWritten = to
	return nil
}

func (u *Upload) saveSession(ctx context.Context) {
	s := &u.session
	record := sessioncache.Record{SessionURI: s.uri, Fingerprint: s.fingerprint}
	if err := u.store.Set(ctx, u.cacheKey, record); err != nil {
		u.logger.Warnf("Failed to cache session for %s: %s", u.cacheKey, err)
	}
}
