package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/transport"
)

func newFileCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Copy files to and from targets",
	}
	cmd.AddCommand(newFileTransferCommand(opts, transport.ActionUpload))
	cmd.AddCommand(newFileTransferCommand(opts, transport.ActionDownload))
	return cmd
}

// newFileTransferCommand builds "file upload" and "file download", which
// differ only in direction.
func newFileTransferCommand(opts *globalOptions, direction transport.Action) *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "upload <source> <destination>",
		Short: "Upload a local file or directory to targets",
		Example: `  skein file upload ./nginx.conf /etc/nginx/nginx.conf --targets web --run-as root`,
		Args:    requireArgs("a source", "a destination"),
	}
	if direction == transport.ActionDownload {
		cmd.Use = "download <source> <destination>"
		cmd.Short = "Download a file or directory from targets"
		cmd.Long = `Download a file or directory from every target. Each target's copy is
placed under <destination>/<target-name>/.`
		cmd.Example = `  skein file download /var/log/syslog ./logs --targets web`
	}
	targets.register(cmd)
	action := newActionFlags(cmd, direction)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		source, destination := args[0], args[1]
		return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
			actionOpts, err := action.options()
			if err != nil {
				return err
			}
			ts, err := targets.resolve(r)
			if err != nil {
				return err
			}

			transfer := r.executor.UploadFile
			if direction == transport.ActionDownload {
				transfer = r.executor.DownloadFile
			}

			announce(ctx, direction, source, len(ts))
			start := time.Now()
			rs, err := transfer(ctx, ts, source, destination, actionOpts)
			if err != nil {
				return err
			}
			return r.finishAction(rs, time.Since(start), action.catchErrors)
		})
	}
	return cmd
}
