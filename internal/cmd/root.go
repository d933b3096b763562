package cmd

import (
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		Stream files into Cloud Storage objects through resumable upload
		sessions. Sessions are remembered in a local cache, so an upload that
		was interrupted continues where the service left off when the same
		command runs again.`)

	rootExamples = templates.Examples(`
		# Upload every archive of a build
		gcs-upload upload --bucket my-artifacts 'build/**/*.tar'

		# Create a session URI for another client to upload to
		gcs-upload create-uri --bucket my-artifacts reports/today.json`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// RootOptions defines the options for the `gcs-upload` command.
type RootOptions struct {
	envRepo env.Repository

	iooption.IOStreams
}

// NewRootOptions provides an initialised RootOptions instance.
func NewRootOptions(streams iooption.IOStreams, envRepo env.Repository) *RootOptions {
	return &RootOptions{
		envRepo:   envRepo,
		IOStreams: streams,
	}
}

// NewRootCommand creates the `gcs-upload` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewRootOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}, env.NewRepository())

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `gcs-upload` command and its nested
// children.
func NewRootCommandWithArgs(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "gcs-upload [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Resumable uploads to Cloud Storage",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewUploadCommand(NewUploadOptions(o.IOStreams, o.envRepo)))
	cmd.AddCommand(NewCreateURICommand(NewCreateURIOptions(o.IOStreams, o.envRepo)))
	cmd.AddCommand(NewForgetCommand(NewForgetOptions(o.IOStreams, o.envRepo)))

	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
