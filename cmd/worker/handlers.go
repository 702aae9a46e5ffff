package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/worker"
)

type sleepArgs struct {
	MS int `json:"ms"`
}

type failArgs struct {
	Reason string `json:"reason"`
}

// registerDemoHandlers wires the handlers the seed command produces jobs for.
func registerDemoHandlers(reg *worker.Registry, log *zap.Logger) {
	reg.Register("echo", func(_ context.Context, payload json.RawMessage) error {
		log.Info("echo", zap.ByteString("payload", payload))
		return nil
	})
	reg.Register("sleep", func(ctx context.Context, payload json.RawMessage) error {
		var args sleepArgs
		if err := json.Unmarshal(payload, &args); err != nil {
			return errors.Wrap(err, "decode sleep args")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(args.MS) * time.Millisecond):
			return nil
		}
	})
	reg.Register("fail", func(_ context.Context, payload json.RawMessage) error {
		var args failArgs
		_ = json.Unmarshal(payload, &args)
		if args.Reason == "" {
			args.Reason = "requested failure"
		}
		return errors.New(args.Reason)
	})
}
