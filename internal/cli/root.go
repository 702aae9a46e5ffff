// Package cli is the jobqctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
)

// Opener builds the app a command runs against.
type Opener func(ctx context.Context) (*app.App, error)

// EnvOpener opens the app described by the environment.
func EnvOpener(log *zap.Logger) Opener {
	return func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return app.Open(ctx, cfg, log)
	}
}

type runner struct {
	open Opener
	app  *app.App
}

func NewRootCmd(open Opener) *cobra.Command {
	r := &runner{open: open}
	cmd := &cobra.Command{
		Use:           "jobqctl",
		Short:         "Inspect and feed the job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := r.open(cmd.Context())
			if err != nil {
				return err
			}
			r.app = a
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if r.app == nil {
				return nil
			}
			return r.app.Close(5 * time.Second)
		},
	}
	cmd.AddCommand(
		newEnqueueCmd(r),
		newGetCmd(r),
		newSeedCmd(r),
		newReapCmd(r),
		newStatsCmd(r),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
