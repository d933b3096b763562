package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-resumable-upload/network"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

const (
	bucketEnvKey        = "GCS_UPLOAD_BUCKET"
	endpointEnvKey      = "GCS_UPLOAD_ENDPOINT"
	cacheEnvKey         = "GCS_UPLOAD_CACHE"
	userProjectEnvKey   = "GCS_UPLOAD_USER_PROJECT"
	encryptionKeyEnvKey = "GCS_UPLOAD_ENCRYPTION_KEY"

	awsRegionEnvKey          = "AWS_REGION"
	awsAccessKeyIDEnvKey     = "AWS_ACCESS_KEY_ID"
	awsSecretAccessKeyEnvKey = "AWS_SECRET_ACCESS_KEY"

	memoryCache   = "memory"
	s3CachePrefix = "s3://"
)

// StorageOptions holds the settings shared by every command that talks to a
// bucket. Empty flags fall back to the environment.
type StorageOptions struct {
	Bucket      string
	Endpoint    string
	Cache       string
	UserProject string
	Anonymous   bool
	Debug       bool

	envRepo env.Repository
	logger  log.Logger
}

func newStorageOptions(envRepo env.Repository) StorageOptions {
	return StorageOptions{envRepo: envRepo}
}

func (o *StorageOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&o.Bucket, "bucket", "b", "", "Destination bucket (env: "+bucketEnvKey+")")
	flags.StringVar(&o.Endpoint, "endpoint", "", "Storage API endpoint (env: "+endpointEnvKey+", default: "+network.DefaultEndpoint+")")
	flags.StringVar(&o.Cache, "cache", "", "Session cache: a SQLite database path, "+memoryCache+" or s3://bucket/prefix (env: "+cacheEnvKey+")")
	flags.StringVar(&o.UserProject, "user-project", "", "Project billed for the requests (env: "+userProjectEnvKey+")")
	flags.BoolVar(&o.Anonymous, "anonymous", false, "Send unauthenticated requests, e.g. to an emulator")
	flags.BoolVar(&o.Debug, "debug", false, "Log every request and response")
}

func (o *StorageOptions) complete() {
	fallback := func(value *string, key string) {
		if *value == "" {
			*value = o.envRepo.Get(key)
		}
	}
	fallback(&o.Bucket, bucketEnvKey)
	fallback(&o.Endpoint, endpointEnvKey)
	fallback(&o.Cache, cacheEnvKey)
	fallback(&o.UserProject, userProjectEnvKey)

	o.logger = log.NewLogger()
	o.logger.EnableDebugLog(o.Debug)
}

func (o *StorageOptions) validate() error {
	if o.Bucket == "" {
		return fmt.Errorf("bucket is required: set --bucket or %s", bucketEnvKey)
	}
	return nil
}

// encryptionKey reads the base64 encoded customer-supplied key. Keys are never
// accepted as flags so they stay out of shell history.
func (o *StorageOptions) encryptionKey() ([]byte, error) {
	value := o.envRepo.Get(encryptionKeyEnvKey)
	if value == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encryptionKeyEnvKey, err)
	}
	return key, nil
}

func (o *StorageOptions) httpClient(ctx context.Context) (*http.Client, error) {
	var opts []option.ClientOption
	if o.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := network.DefaultHTTPClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

func (o *StorageOptions) networkClient(ctx context.Context) (*network.Client, error) {
	httpClient, err := o.httpClient(ctx)
	if err != nil {
		return nil, err
	}
	key, err := o.encryptionKey()
	if err != nil {
		return nil, err
	}
	return network.NewClient(httpClient, network.Config{
		Endpoint:      o.Endpoint,
		UserProject:   o.UserProject,
		EncryptionKey: key,
	}, o.logger), nil
}

// openStore opens the session cache selected by --cache. The returned function
// releases it.
func (o *StorageOptions) openStore(ctx context.Context) (sessioncache.Store, func(), error) {
	switch {
	case o.Cache == memoryCache:
		return sessioncache.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(o.Cache, s3CachePrefix):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(o.Cache, s3CachePrefix), "/")
		store, err := sessioncache.NewS3Store(ctx, sessioncache.S3StoreParams{
			Region:          o.envRepo.Get(awsRegionEnvKey),
			Bucket:          bucket,
			Prefix:          prefix,
			AccessKeyID:     o.envRepo.Get(awsAccessKeyIDEnvKey),
			SecretAccessKey: o.envRepo.Get(awsSecretAccessKeyEnvKey),
		}, o.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open session cache %s: %w", o.Cache, err)
		}
		return store, func() {}, nil
	}

	path := o.Cache
	if path == "" {
		var err error
		if path, err = sessioncache.DefaultSQLitePath(); err != nil {
			return nil, nil, err
		}
	}
	store, err := sessioncache.NewSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open session cache %s: %w", path, err)
	}
	o.logger.Debugf("Session cache: %s", path)
	return store, func() {
		if err := store.Close(); err != nil {
			o.logger.Warnf("Failed to close session cache: %s", err)
		}
	}, nil
}
