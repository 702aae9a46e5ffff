package httpapi

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"
)

// Checker reports whether a dependency is usable. The job store and the
// redis doorbell implement it.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a ping-style func to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type healthResponse struct {
	OK     bool     `json:"ok"`
	Failed []string `json:"failed,omitempty"`
}

// healthHandler runs every checker, or only those named by ?check=, and
// answers 200 {"ok":true} or 503 with the failing names.
func healthHandler(log *zap.Logger, all map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := all
		if names, ok := r.URL.Query()["check"]; ok {
			checkers = make(map[string]Checker, len(names))
			for _, name := range names {
				c, ok := all[name]
				if !ok {
					writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "unknown check " + name})
					return
				}
				checkers[name] = c
			}
		}

		var failed []string
		for name, c := range checkers {
			if err := c.HealthCheck(r.Context()); err != nil {
				log.Warn("health check failed", zap.String("check", name), zap.Error(err))
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			sort.Strings(failed)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false, Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{OK: true})
	}
}
