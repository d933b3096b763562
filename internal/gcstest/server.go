// Package gcstest implements an in-process fake of the Cloud Storage
// resumable upload endpoints for tests.
package gcstest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	storage "google.golang.org/api/storage/v1"
)

// Fault replaces the normal handling of the next data PUT.
type Fault struct {
	// Status is the response status code. Zero keeps the normal handling
	// and only applies Delay.
	Status int
	// Persist is the number of body bytes accepted before the fault fires.
	Persist int64
	// Drain makes the server read the rest of the body before responding.
	// Without it the response is sent while the client may still be writing.
	Drain bool
	// Body is written as the response body.
	Body string
	// Delay holds the response back after the body was read.
	Delay time.Duration
}

// Request is a logged request.
type Request struct {
	Method       string
	Query        url.Values
	Header       http.Header
	ContentRange string
	BodyBytes    int64
	Status       int
}

// IsOffsetQuery reports whether the request asked for the persisted offset.
func (r Request) IsOffsetQuery() bool {
	return r.Method == http.MethodPut && strings.HasPrefix(r.ContentRange, "bytes */")
}

// IsDataPut reports whether the request carried object bytes.
func (r Request) IsDataPut() bool {
	return r.Method == http.MethodPut && !r.IsOffsetQuery()
}

type session struct {
	id       string
	bucket   string
	resource storage.Object
	size     int64
	data     []byte
	// writer fences stale requests: only the latest PUT may append.
	writer     int
	done       *storage.Object
	terminated bool
}

type object struct {
	data     []byte
	metadata *storage.Object
}

// Server is a fake resumable upload service.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	sessions   map[string]*session
	objects    map[string]*object
	generation int64
	faults     []Fault
	openFaults []int
	requests   []Request
}

// NewServer starts a fake server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		sessions: make(map[string]*session),
		objects:  make(map[string]*object),
	}

	router := chi.NewRouter()
	router.Post("/upload/storage/v1/b/{bucket}/o", s.openSession)
	router.Put("/upload/storage/v1/b/{bucket}/o", s.put)
	router.Delete("/upload/storage/v1/b/{bucket}/o", s.cancel)
	s.Server = httptest.NewServer(router)
	return s
}

// FailNextPuts queues faults consumed by the following data PUTs in order.
func (s *Server) FailNextPuts(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// FailNextOpens queues status codes returned by the following session
// creation requests.
func (s *Server) FailNextOpens(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openFaults = append(s.openFaults, statuses...)
}

// ExpireSessions makes every known session answer 410.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.terminated = true
	}
}

// ForgetSessions drops every known session so they answer 404.
func (s *Server) ForgetSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*session)
}

// Object returns the finalized content of bucket/name.
func (s *Server) Object(bucket, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket+"/"+name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Persisted returns how many bytes the session identified by uri holds.
func (s *Server) Persisted(uri string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID(uri)]
	if !ok {
		return 0
	}
	return int64(len(sess.data))
}

// SessionCount returns the number of sessions ever opened and not forgotten.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Requests returns the request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// DataPuts returns the logged requests that carried object bytes.
func (s *Server) DataPuts() []Request {
	var puts []Request
	for _, r := range s.Requests() {
		if r.IsDataPut() {
			puts = append(puts, r)
		}
	}
	return puts
}

func uploadID(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Query().Get("upload_id")
}

func (s *Server) log(r *http.Request, bodyBytes int64, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method:       r.Method,
		Query:        r.URL.Query(),
		Header:       r.Header.Clone(),
		ContentRange: r.Header.Get("Content-Range"),
		BodyBytes:    bodyBytes,
		Status:       status,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": message},
	})
}

func writeObject(w http.ResponseWriter, obj *storage.Object) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(obj)
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	q := r.URL.Query()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log(r, 0, http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	var status int
	if len(s.openFaults) > 0 {
		status = s.openFaults[0]
		s.openFaults = s.openFaults[1:]
	}
	s.mu.Unlock()
	if status != 0 {
		s.log(r, int64(len(body)), status)
		writeError(w, status, "injected failure")
		return
	}

	if q.Get("uploadType") != "resumable" || q.Get("name") == "" {
		s.log(r, int64(len(body)), http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "uploadType=resumable and name are required")
		return
	}

	var resource storage.Object
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resource); err != nil {
			s.log(r, int64(len(body)), http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, "invalid object resource")
			return
		}
	}
	resource.Name = q.Get("name")
	resource.Bucket = bucket
	if ct := r.Header.Get("X-Upload-Content-Type"); ct != "" {
		resource.ContentType = ct
	}

	size := int64(-1)
	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		size, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.log(r, int64(len(body)), http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, "invalid X-Upload-Content-Length")
			return
		}
	}

	s.mu.Lock()
	if v := q.Get("ifGenerationMatch"); v != "" {
		want, _ := strconv.ParseInt(v, 10, 64)
		var current int64
		if obj, ok := s.objects[bucket+"/"+resource.Name]; ok {
			current = obj.metadata.Generation
		}
		if current != want {
			s.mu.Unlock()
			s.log(r, int64(len(body)), http.StatusPreconditionFailed)
			writeError(w, http.StatusPreconditionFailed, "conditionNotMet")
			return
		}
	}
	id := uuid.NewString()
	s.sessions[id] = &session{id: id, bucket: bucket, resource: resource, size: size}
	s.mu.Unlock()

	location := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=resumable&upload_id=%s", s.URL, url.PathEscape(bucket), id)
	w.Header().Set("Location", location)
	s.log(r, int64(len(body)), http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookup(id string) (*session, int) {
	sess, ok := s.sessions[id]
	switch {
	case !ok:
		return nil, http.StatusNotFound
	case sess.terminated:
		return nil, http.StatusGone
	}
	return sess, 0
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("upload_id")
	contentRange := r.Header.Get("Content-Range")

	if strings.HasPrefix(contentRange, "bytes */") {
		s.queryOffset(w, r, id)
		return
	}

	start, final, err := parseContentRange(contentRange)
	if err != nil {
		s.log(r, 0, http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	sess, status := s.lookup(id)
	if status != 0 {
		s.mu.Unlock()
		s.log(r, 0, status)
		writeError(w, status, http.StatusText(status))
		return
	}
	if sess.done != nil {
		obj := sess.done
		s.mu.Unlock()
		s.log(r, 0, http.StatusOK)
		writeObject(w, obj)
		return
	}
	if start > int64(len(sess.data)) {
		s.mu.Unlock()
		s.log(r, 0, http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("gap: session holds %d bytes, request starts at %d", len(sess.data), start))
		return
	}
	sess.writer++
	token := sess.writer
	skip := int64(len(sess.data)) - start

	var fault *Fault
	if len(s.faults) > 0 {
		f := s.faults[0]
		s.faults = s.faults[1:]
		fault = &f
	}
	s.mu.Unlock()

	var delay time.Duration
	if fault != nil {
		delay = fault.Delay
		if fault.Status == 0 {
			fault = nil
		}
	}

	limit := int64(-1)
	if fault != nil {
		limit = fault.Persist
		if !fault.Drain {
			// Answer while the client is still sending.
			_ = http.NewResponseController(w).EnableFullDuplex()
		}
	}
	received, stale, interrupted := s.receive(sess, token, r.Body, skip, limit)
	if fault != nil && fault.Drain {
		n, _ := io.Copy(io.Discard, r.Body)
		received += n
	}
	time.Sleep(delay)
	if fault != nil {
		s.log(r, received, fault.Status)
		if fault.Body != "" {
			w.Header().Set("Content-Type", "application/json; charset=UTF-8")
			w.WriteHeader(fault.Status)
			_, _ = io.WriteString(w, fault.Body)
			return
		}
		writeError(w, fault.Status, "injected failure")
		return
	}
	if interrupted {
		// The client went away mid-body; keep what arrived.
		s.log(r, received, 0)
		return
	}
	if stale {
		s.log(r, received, http.StatusServiceUnavailable)
		writeError(w, http.StatusServiceUnavailable, "superseded by a newer request")
		return
	}

	s.mu.Lock()
	if final {
		if sess.size >= 0 && int64(len(sess.data)) != sess.size {
			s.mu.Unlock()
			s.log(r, received, http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, fmt.Sprintf("size mismatch: declared %d, received %d", sess.size, len(sess.data)))
			return
		}
		obj := s.finalize(sess)
		s.mu.Unlock()
		s.log(r, received, http.StatusOK)
		writeObject(w, obj)
		return
	}
	persisted := len(sess.data)
	s.mu.Unlock()

	if persisted > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", persisted-1))
	}
	s.log(r, received, http.StatusPermanentRedirect)
	w.WriteHeader(http.StatusPermanentRedirect)
}

// receive appends body bytes to the session as they arrive. limit < 0 reads
// until EOF. It reports stale when a newer request took over the session and
// interrupted when the body ended without a clean EOF.
func (s *Server) receive(sess *session, token int, body io.Reader, skip, limit int64) (received int64, stale, interrupted bool) {
	buf := make([]byte, 32*1024)
	for limit < 0 || received < limit {
		chunk := buf
		if limit >= 0 && limit-received < int64(len(chunk)) {
			chunk = chunk[:limit-received]
		}
		n, err := body.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			received += int64(n)

			s.mu.Lock()
			if sess.writer != token {
				s.mu.Unlock()
				return received, true, false
			}
			if skip > 0 {
				drop := min(skip, int64(len(data)))
				data = data[drop:]
				skip -= drop
			}
			sess.data = append(sess.data, data...)
			s.mu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return received, false, true
		}
	}
	return received, false, false
}

func (s *Server) finalize(sess *session) *storage.Object {
	s.generation++
	data := append([]byte(nil), sess.data...)
	md5sum := md5.Sum(data)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))

	obj := sess.resource
	obj.Size = uint64(len(data))
	obj.Generation = s.generation
	obj.Metageneration = 1
	obj.Md5Hash = base64.StdEncoding.EncodeToString(md5sum[:])
	obj.Crc32c = base64.StdEncoding.EncodeToString(crc)
	obj.Id = fmt.Sprintf("%s/%s/%d", obj.Bucket, obj.Name, obj.Generation)

	sess.done = &obj
	s.objects[obj.Bucket+"/"+obj.Name] = &object{data: data, metadata: &obj}
	return &obj
}

func (s *Server) queryOffset(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	sess, status := s.lookup(id)
	if status != 0 {
		s.mu.Unlock()
		s.log(r, 0, status)
		writeError(w, status, http.StatusText(status))
		return
	}
	if sess.done != nil {
		obj := sess.done
		s.mu.Unlock()
		s.log(r, 0, http.StatusOK)
		writeObject(w, obj)
		return
	}
	// A status query fences off any request still streaming into the session.
	sess.writer++
	persisted := len(sess.data)
	s.mu.Unlock()

	if persisted > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", persisted-1))
	}
	s.log(r, 0, http.StatusPermanentRedirect)
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("upload_id")

	s.mu.Lock()
	sess, status := s.lookup(id)
	if status == 0 {
		sess.terminated = true
		status = 499
	}
	s.mu.Unlock()

	s.log(r, 0, status)
	w.WriteHeader(status)
}

// parseContentRange parses "bytes S-*/T", "bytes S-E/T" and the open forms
// with T = "*". final reports whether the request ends the upload.
func parseContentRange(v string) (start int64, final bool, err error) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, false, fmt.Errorf("invalid Content-Range %q", v)
	}
	span, total, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, false, fmt.Errorf("invalid Content-Range %q", v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, false, fmt.Errorf("invalid Content-Range %q", v)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid Content-Range %q", v)
	}
	// An open-ended span streams until the body ends, which completes the upload.
	final = last == "*" || total != "*"
	return start, final, nil
}
