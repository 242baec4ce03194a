package docmail

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/background"
	"github.com/AzizBrinis/invoice-app-sub004/internal/queue"
)

const DefaultFlushBatchSize = 10

// Processor drains jobs.
type Processor interface {
	ProcessQueue(ctx context.Context, handlers map[string]queue.Handler, opts queue.ProcessOptions) (queue.Result, error)
}

// Flusher drains freshly queued document emails right after the producing request. At most one drain runs
// per process; triggers that arrive while one is running are dropped and the cron drain picks the jobs up.
type Flusher struct {
	queue     Processor
	handlers  map[string]queue.Handler
	runner    *background.Runner
	batchSize int
	inFlight  atomic.Bool
	logger    *zap.Logger
}

func NewFlusher(q Processor, handlers map[string]queue.Handler, runner *background.Runner, batchSize int, logger *zap.Logger) *Flusher {
	if batchSize <= 0 {
		batchSize = DefaultFlushBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{queue: q, handlers: handlers, runner: runner, batchSize: batchSize, logger: logger}
}

// Trigger starts a background drain scoped to jobType.
func (f *Flusher) Trigger(jobType string) bool {
	if !f.inFlight.CompareAndSwap(false, true) {
		return false
	}
	started := f.runner.Go("docmail-flush", func(ctx context.Context) {
		defer f.inFlight.Store(false)
		res, err := f.queue.ProcessQueue(ctx, f.handlers, queue.ProcessOptions{
			MaxJobs:      f.batchSize,
			AllowedTypes: []string{jobType},
		})
		if err != nil {
			f.logger.Error("document email flush failed", zap.String("type", jobType), zap.Error(err))
			return
		}
		f.logger.Debug("document email flush done",
			zap.String("type", jobType),
			zap.Int("processed", res.Processed),
			zap.Int("retried", res.Retried),
		)
	})
	if !started {
		f.inFlight.Store(false)
	}
	return started
}
