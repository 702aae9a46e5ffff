package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/jobq/internal/domain"
)

func newEnqueueCmd(r *runner) *cobra.Command {
	var (
		runAt       string
		priority    int
		maxAttempts int
		key         string
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD_JSON]",
		Short: "Add a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.EnqueueRequest{Type: args[0]}
			if len(args) == 2 {
				req.Payload = json.RawMessage(args[1])
			}
			if runAt != "" {
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return errors.Wrap(err, "--run-at")
				}
				req.RunAt = &t
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("max-attempts") {
				req.MaxAttempts = &maxAttempts
			}
			if key != "" {
				req.IdempotencyKey = &key
			}

			j, created, err := r.app.Service.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.ErrOrStderr(), "idempotency key matched an existing job")
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest run time, RFC 3339")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultPriority, "lower runs first when priority ordering is on")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", domain.DefaultMaxAttempts, "attempts before the job is dead-lettered")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func newGetCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := r.app.Service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

// seed mirrors the load-test script: N jobs of one type with an index
// payload and a generous attempt budget.
func newSeedCmd(r *runner) *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "seed [N] [TYPE]",
		Short: "Insert N test jobs (default 200 of type \"test\")",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, jobType := 200, "test"
			if len(args) > 0 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 0 {
					return errors.Errorf("N must be a non-negative integer, got %q", args[0])
				}
				n = v
			}
			if len(args) > 1 {
				jobType = args[1]
			}
			for i := 0; i < n; i++ {
				payload, _ := json.Marshal(map[string]int{"index": i})
				if _, _, err := r.app.Service.Enqueue(cmd.Context(), domain.EnqueueRequest{
					Type:        jobType,
					Payload:     payload,
					MaxAttempts: &maxAttempts,
				}); err != nil {
					return errors.Wrapf(err, "seed job %d", i)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 25, "attempts per seeded job")
	return cmd
}

func newReapCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Dead-letter expired leases that have no attempts left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reaped, err := r.app.Service.Reap(cmd.Context())
			if err != nil {
				return err
			}
			for _, j := range reaped {
				fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "reaped %d jobs\n", len(reaped))
			return nil
		},
	}
}

func newStatsCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := r.app.Service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range domain.Statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", s, counts[s])
			}
			return nil
		},
	}
}
