package cmd

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable-upload/metrics"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-resumable-upload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"
)

const (
	zstdExtension   = ".zst"
	zstdContentType = "application/zstd"

	progressInterval = 5 * time.Second
)

var (
	uploadLong = templates.LongDesc(`
		Upload files matching the given paths or glob patterns. Patterns
		support ** for any number of directories. Each file becomes the object
		named by the prefix followed by the file's path below the pattern's
		base directory.

		A failed upload keeps its session in the cache; running the same
		command again resumes it from the bytes the service already holds.`)

	uploadExample = templates.Examples(`
		# Upload one file as logs/build.log
		gcs-upload upload --bucket my-bucket --prefix logs/ ./build.log

		# Upload all test reports, four at a time, compressed
		gcs-upload upload --bucket my-bucket --parallel 4 --zstd 'out/**/*.xml'`)
)

// UploadOptions defines the options for the `upload` command.
type UploadOptions struct {
	StorageOptions

	Patterns          []string
	Prefix            string
	Parallel          int
	Zstd              bool
	ContentType       string
	PredefinedACL     string
	Public            bool
	Private           bool
	KMSKeyName        string
	Origin            string
	IfGenerationMatch int64
	MaxReplay         string
	RetryLimit        int
	MetricsFile       string

	files          []localFile
	maxReplayBytes int64

	iooption.IOStreams
}

type localFile struct {
	path   string
	object string
	size   int64
}

// NewUploadOptions provides an initialised UploadOptions instance.
func NewUploadOptions(streams iooption.IOStreams, envRepo env.Repository) *UploadOptions {
	return &UploadOptions{
		StorageOptions: newStorageOptions(envRepo),
		IOStreams:      streams,
	}
}

// NewUploadCommand creates the `upload` command.
func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload [PATH|PATTERN]...",
		DisableFlagsInUseLine: true,
		Short:                 "Upload files through resumable sessions",
		Long:                  uploadLong,
		Example:               uploadExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	o.addFlags(cmd)
	flags := cmd.Flags()
	flags.StringVarP(&o.Prefix, "prefix", "p", "", "Prefix of the object names")
	flags.IntVarP(&o.Parallel, "parallel", "j", 1, "Number of files uploaded concurrently")
	flags.BoolVar(&o.Zstd, "zstd", false, "Compress files with zstd and add the "+zstdExtension+" extension")
	flags.StringVar(&o.ContentType, "content-type", "", "Content type of the objects (default: derived from the file extension)")
	flags.StringVar(&o.PredefinedACL, "predefined-acl", "", "Predefined ACL applied to the objects")
	flags.BoolVar(&o.Public, "public", false, "Make the objects publicly readable")
	flags.BoolVar(&o.Private, "private", false, "Make the objects private to their owner")
	flags.StringVar(&o.KMSKeyName, "kms-key-name", "", "Cloud KMS key used to encrypt the objects")
	flags.StringVar(&o.Origin, "origin", "", "Origin sent when the sessions are created")
	flags.Int64Var(&o.IfGenerationMatch, "if-generation-match", -1, "Only replace objects with this generation; 0 requires that the objects do not exist")
	flags.StringVar(&o.MaxReplay, "max-replay", "64MiB", "Bytes kept in memory per file for re-sending after a failure; 0 disables")
	flags.IntVar(&o.RetryLimit, "retry-limit", upload.DefaultRetryLimit, "Consecutive retries of a file before giving up")
	flags.StringVar(&o.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	o.complete()
	o.Patterns = args

	maxReplay, err := units.RAMInBytes(o.MaxReplay)
	if err != nil {
		return fmt.Errorf("invalid --max-replay: %w", err)
	}
	o.maxReplayBytes = maxReplay
	if maxReplay == 0 {
		o.maxReplayBytes = -1
	}

	files, err := o.expand(o.Patterns)
	if err != nil {
		return err
	}
	o.files = files
	return nil
}

func (o *UploadOptions) Validate() error {
	if len(o.Patterns) == 0 {
		return fmt.Errorf("at least one path or pattern is required")
	}
	if err := o.validate(); err != nil {
		return err
	}
	if len(o.files) == 0 {
		return fmt.Errorf("no files match %s", strings.Join(o.Patterns, ", "))
	}
	if o.Parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}
	if o.maxReplayBytes < -1 {
		return fmt.Errorf("--max-replay must not be negative")
	}

	objects := make(map[string]string, len(o.files))
	for _, f := range o.files {
		if other, ok := objects[f.object]; ok {
			return fmt.Errorf("%s and %s would both be uploaded as %s", other, f.path, f.object)
		}
		objects[f.object] = f.path
	}
	return nil
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o.logger.TDebugf("Upload start")
	store, release, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	httpClient, err := o.httpClient(ctx)
	if err != nil {
		return err
	}
	key, err := o.encryptionKey()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collectors, err := metrics.NewCollectors(registry)
	if err != nil {
		return err
	}
	o.logger.TDebugf("Clients created")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Parallel)
	for _, f := range o.files {
		g.Go(func() error {
			return o.uploadFile(gctx, f, httpClient, store, key, collectors)
		})
	}
	uploadErr := g.Wait()
	o.logger.TDebugf("Uploads finished")

	if o.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(o.MetricsFile, registry); err != nil {
			o.logger.Warnf("Failed to write metrics: %s", err)
		}
	}
	return uploadErr
}

func (o *UploadOptions) config(f localFile, key []byte) upload.Config {
	cfg := upload.DefaultConfig(o.Bucket, f.object)
	cfg.Endpoint = o.Endpoint
	cfg.UserProject = o.UserProject
	cfg.EncryptionKey = key
	cfg.KMSKeyName = o.KMSKeyName
	cfg.PredefinedACL = o.PredefinedACL
	cfg.Public = o.Public
	cfg.Private = o.Private
	cfg.Origin = o.Origin
	cfg.MaxReplayBytes = o.maxReplayBytes
	cfg.RetryLimit = o.RetryLimit
	if o.IfGenerationMatch >= 0 {
		generation := o.IfGenerationMatch
		cfg.Generation = &generation
	}

	cfg.Metadata.ContentType = o.contentType(f)
	if !o.Zstd {
		cfg.Metadata.ContentLength = f.size
	}
	return cfg
}

func (o *UploadOptions) contentType(f localFile) string {
	switch {
	case o.ContentType != "":
		return o.ContentType
	case o.Zstd:
		return zstdContentType
	}
	return mime.TypeByExtension(filepath.Ext(f.path))
}

func (o *UploadOptions) uploadFile(ctx context.Context, f localFile, httpClient *http.Client, store sessioncache.Store, key []byte, collectors *metrics.Collectors) error {
	u, err := upload.New(ctx, o.config(f, key),
		upload.WithLogger(o.logger),
		upload.WithStore(store),
		upload.WithHTTPClient(httpClient),
		upload.WithObserver(collectors.Track()),
		upload.WithObserver(o.progressReporter(f)),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close() //nolint:errcheck

	o.logger.Infof("Uploading %s (%s) to gs://%s/%s", f.path, units.HumanSizeWithPrecision(float64(f.size), 3), o.Bucket, f.object)
	start := time.Now()

	src := &sourceReader{r: file}
	if err := o.copy(u, src); err != nil {
		if src.err != nil {
			// Finishing would create a truncated object.
			if abortErr := u.Abort(context.WithoutCancel(ctx)); abortErr != nil {
				o.logger.Warnf("Failed to cancel the session of %s: %s", f.path, abortErr)
			}
			return fmt.Errorf("read %s: %w", f.path, src.err)
		}
		if closeErr := u.Close(); closeErr != nil {
			return o.uploadError(f, closeErr)
		}
		return fmt.Errorf("upload %s: %w", f.path, err)
	}
	if err := u.Close(); err != nil {
		return o.uploadError(f, err)
	}

	meta := u.Metadata()
	stats := u.Stats()
	o.logger.Donef("Uploaded %s to gs://%s/%s (%s, generation %d) in %s",
		f.path, meta.Bucket, meta.Name, units.HumanSizeWithPrecision(float64(meta.Size), 3), meta.Generation, time.Since(start).Round(time.Millisecond))
	o.logger.TDebugf("%s: %d requests (%s on average), %d retries, %d restarts, %s sent",
		f.object, stats.Attempts, stats.Average().Round(time.Millisecond), stats.Retries, stats.Restarts, units.HumanSize(float64(stats.BytesSent)))
	return nil
}

func (o *UploadOptions) uploadError(f localFile, err error) error {
	if upload.IsRetryable(err) {
		o.logger.Warnf("Upload of %s can be resumed by running the command again", f.path)
	}
	return fmt.Errorf("upload %s: %w", f.path, err)
}

// copy writes the file into u, compressing it when requested.
func (o *UploadOptions) copy(u *upload.Upload, src io.Reader) error {
	if !o.Zstd {
		_, err := u.ReadFrom(src)
		return err
	}

	// A single encoder goroutine keeps the output identical across runs,
	// which resuming a session relies on.
	enc, err := zstd.NewWriter(u, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := enc.ReadFrom(src); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (o *UploadOptions) progressReporter(f localFile) upload.Observer {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return upload.ObserverFunc(func(e upload.Event) {
		switch e.Type {
		case upload.EventProgress:
			mu.Lock()
			defer mu.Unlock()
			if time.Since(last) < progressInterval {
				return
			}
			last = time.Now()
			if e.ContentLength > 0 {
				o.logger.Printf("%s: %s of %s", f.object, units.HumanSizeWithPrecision(float64(e.BytesWritten), 3), units.HumanSizeWithPrecision(float64(e.ContentLength), 3))
				return
			}
			o.logger.Printf("%s: %s", f.object, units.HumanSizeWithPrecision(float64(e.BytesWritten), 3))
		case upload.EventRestart:
			o.logger.Infof("%s: starting over in a new session (%s)", f.object, e.Reason)
		}
	})
}

// expand resolves paths and glob patterns to regular files.
func (o *UploadOptions) expand(patterns []string) ([]localFile, error) {
	var files []localFile
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[{") {
			info, err := os.Stat(pattern)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory, use a pattern like %s", pattern, filepath.Join(pattern, "**", "*"))
			}
			files = append(files, o.localFile(pattern, filepath.Base(pattern), info.Size()))
			continue
		}

		base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
		matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), rest)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			o.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}

		for _, match := range matches {
			p := filepath.Join(filepath.FromSlash(base), filepath.FromSlash(match))
			info, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			if !info.Mode().IsRegular() {
				continue
			}
			files = append(files, o.localFile(p, match, info.Size()))
		}
	}
	return files, nil
}

func (o *UploadOptions) localFile(p, name string, size int64) localFile {
	object := o.Prefix + path.Clean(filepath.ToSlash(name))
	if o.Zstd {
		object += zstdExtension
	}
	return localFile{path: p, object: object, size: size}
}

// sourceReader remembers the first read error so it can be told apart from
// upload failures.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}
