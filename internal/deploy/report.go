package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrkirby153/secnix/pkg/logger"
	"go.uber.org/zap"
)

var ErrEntriesFailed = errors.New("one or more entries failed")

// Kind tags a report entry as a secret or a template.
type Kind string

const (
	KindSecret   Kind = "secret"
	KindTemplate Kind = "template"
)

// Result is the terminal state of one manifest entry's pipeline.
type Result struct {
	Kind Kind
	Name string
	Path string
	Err  error
}

// Report aggregates per-entry outcomes of a run. Entry failures are
// collected, never short-circuited, so one misconfigured secret does not
// block deployment of unrelated ones.
type Report struct {
	Generation string
	Results    []Result
}

// Failed returns the entries that ended in a failed state.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}

	return failed
}

// Err reports the aggregate outcome: nil only if every entry succeeded.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %d of %d", ErrEntriesFailed, len(failed), len(r.Results))
}

// Log writes one line per entry.
func (r *Report) Log(ctx context.Context) {
	for _, res := range r.Results {
		fields := []zap.Field{
			zap.String("kind", string(res.Kind)),
			zap.String("name", res.Name),
		}
		if res.Path != "" {
			fields = append(fields, zap.String("path", res.Path))
		}

		if res.Err != nil {
			logger.ErrorCtx(ctx, res.Err, "entry failed", fields...)
		} else {
			logger.InfoCtx(ctx, nil, "entry deployed", fields...)
		}
	}
}
