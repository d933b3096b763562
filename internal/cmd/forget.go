package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	forgetLong = templates.LongDesc(`
		Drop cached upload sessions so the next upload of the objects starts
		from the beginning. With --cancel the sessions are also cancelled on
		the service.`)

	forgetExample = templates.Examples(`
		# Forget the session of an abandoned upload
		gcs-upload forget --bucket my-bucket logs/build.log

		# Forget and cancel it
		gcs-upload forget --bucket my-bucket --cancel logs/build.log`)
)

// ForgetOptions defines the options for the `forget` command.
type ForgetOptions struct {
	StorageOptions

	Objects           []string
	Cancel            bool
	IfGenerationMatch int64

	iooption.IOStreams
}

// NewForgetOptions provides an initialised ForgetOptions instance.
func NewForgetOptions(streams iooption.IOStreams, envRepo env.Repository) *ForgetOptions {
	return &ForgetOptions{
		StorageOptions: newStorageOptions(envRepo),
		IOStreams:      streams,
	}
}

// NewForgetCommand creates the `forget` command.
func NewForgetCommand(o *ForgetOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "forget OBJECT...",
		DisableFlagsInUseLine: true,
		Short:                 "Drop cached upload sessions",
		Long:                  forgetLong,
		Example:               forgetExample,
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
	flags.BoolVar(&o.Cancel, "cancel", false, "Also cancel the sessions on the service")
	flags.Int64Var(&o.IfGenerationMatch, "if-generation-match", -1, "Generation precondition the sessions were created with")

	return cmd
}

func (o *ForgetOptions) Complete(cmd *cobra.Command, args []string) error {
	o.complete()
	o.Objects = args
	return nil
}

func (o *ForgetOptions) Validate() error {
	if len(o.Objects) == 0 {
		return fmt.Errorf("at least one object name is required")
	}
	return o.validate()
}

func (o *ForgetOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, release, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	var generation *int64
	if o.IfGenerationMatch >= 0 {
		generation = &o.IfGenerationMatch
	}

	for _, object := range o.Objects {
		key := sessioncache.Key(o.Bucket, object, generation)
		if o.Cancel {
			if err := o.cancel(ctx, store, key); err != nil {
				return err
			}
		}
		if err := sessioncache.Forget(ctx, store, o.Bucket, object, generation); err != nil {
			return err
		}
		fmt.Fprintf(o.Out, "Forgot %s\n", key)
	}
	return nil
}

func (o *ForgetOptions) cancel(ctx context.Context, store sessioncache.Store, key string) error {
	record, err := store.Get(ctx, key)
	if errors.Is(err, sessioncache.ErrNotFound) {
		o.logger.Debugf("No cached session for %s", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session of %s: %w", key, err)
	}

	client, err := o.networkClient(ctx)
	if err != nil {
		return err
	}
	if err := client.CancelSession(ctx, record.SessionURI); err != nil {
		return fmt.Errorf("cancel session of %s: %w", key, err)
	}
	o.logger.Infof("Cancelled session of %s", key)
	return nil
}
