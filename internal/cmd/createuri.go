package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-resumable-upload/network"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-resumable-upload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/spf13/cobra"
	storage "google.golang.org/api/storage/v1"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	createURILong = templates.LongDesc(`
		Create a resumable upload session and print its URI. The URI can be
		handed to another client, e.g. a browser, which uploads the object
		without credentials of its own.`)

	createURIExample = templates.Examples(`
		# Create a session for a 1 MiB object uploaded from a web page
		gcs-upload create-uri --bucket my-bucket --size 1048576 --origin https://example.com uploads/photo.jpg

		# Create a session and remember it for a later 'gcs-upload upload'
		gcs-upload create-uri --bucket my-bucket --save reports/today.json`)
)

// CreateURIOptions defines the options for the `create-uri` command.
type CreateURIOptions struct {
	StorageOptions

	Object            string
	ContentType       string
	Size              int64
	Origin            string
	PredefinedACL     string
	KMSKeyName        string
	IfGenerationMatch int64
	Save              bool

	iooption.IOStreams
}

// NewCreateURIOptions provides an initialised CreateURIOptions instance.
func NewCreateURIOptions(streams iooption.IOStreams, envRepo env.Repository) *CreateURIOptions {
	return &CreateURIOptions{
		StorageOptions: newStorageOptions(envRepo),
		IOStreams:      streams,
	}
}

// NewCreateURICommand creates the `create-uri` command.
func NewCreateURICommand(o *CreateURIOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "create-uri OBJECT",
		DisableFlagsInUseLine: true,
		Short:                 "Create a resumable upload session URI",
		Long:                  createURILong,
		Example:               createURIExample,
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
	flags.StringVar(&o.ContentType, "content-type", "", "Content type of the object")
	flags.Int64Var(&o.Size, "size", upload.UnknownLength, "Total size of the object in bytes, if known")
	flags.StringVar(&o.Origin, "origin", "", "Origin allowed to upload to the session")
	flags.StringVar(&o.PredefinedACL, "predefined-acl", "", "Predefined ACL applied to the object")
	flags.StringVar(&o.KMSKeyName, "kms-key-name", "", "Cloud KMS key used to encrypt the object")
	flags.Int64Var(&o.IfGenerationMatch, "if-generation-match", -1, "Only replace the object with this generation; 0 requires that it does not exist")
	flags.BoolVar(&o.Save, "save", false, "Store the session in the session cache")

	return cmd
}

func (o *CreateURIOptions) Complete(cmd *cobra.Command, args []string) error {
	o.complete()
	if len(args) != 1 {
		return fmt.Errorf("exactly one object name is required")
	}
	o.Object = args[0]
	return nil
}

func (o *CreateURIOptions) Validate() error {
	if err := o.validate(); err != nil {
		return err
	}

	// The session is validated like the upload that will use it.
	cfg := upload.DefaultConfig(o.Bucket, o.Object)
	cfg.Endpoint = o.Endpoint
	cfg.PredefinedACL = o.PredefinedACL
	cfg.KMSKeyName = o.KMSKeyName
	cfg.Metadata.ContentLength = o.Size
	return cfg.Validate()
}

func (o *CreateURIOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := o.networkClient(ctx)
	if err != nil {
		return err
	}

	params := network.SessionParams{
		Bucket:        o.Bucket,
		Object:        o.Object,
		KMSKeyName:    o.KMSKeyName,
		PredefinedACL: o.PredefinedACL,
		Origin:        o.Origin,
		ContentLength: o.Size,
	}
	if o.ContentType != "" {
		params.Resource = &storage.Object{ContentType: o.ContentType}
	}
	if o.IfGenerationMatch >= 0 {
		generation := o.IfGenerationMatch
		params.Generation = &generation
	}

	uri, err := client.OpenSession(ctx, params)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if o.Save {
		store, release, err := o.openStore(ctx)
		if err != nil {
			return err
		}
		defer release()

		key := sessioncache.Key(o.Bucket, o.Object, params.Generation)
		if err := store.Set(ctx, key, sessioncache.Record{SessionURI: uri}); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		o.logger.Debugf("Saved session for %s", key)
	}

	fmt.Fprintln(o.Out, uri)
	return nil
}
