package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/metrics"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
)

const (
	defaultLogQueueSize = 1024
	logFlushInterval    = time.Second
	logBatchSize        = 64
)

// LogWriter drains request logs from a bounded queue into storage with
// a single writer goroutine. Logging is best-effort: when producers
// outrun the writer, the oldest queued record is dropped and counted
// rather than ever blocking the request path.
type LogWriter struct {
	db storage.Store
	ch chan *types.RequestLog

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewLogWriter creates a writer with the given queue capacity. Call
// Start to begin draining.
func NewLogWriter(db storage.Store, queueSize int) *LogWriter {
	if queueSize <= 0 {
		queueSize = defaultLogQueueSize
	}
	return &LogWriter{
		db:     db,
		ch:     make(chan *types.RequestLog, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue queues one record without blocking. When the queue is full
// the oldest queued record is dropped in its favor; under a racing
// burst the new record may be the one dropped instead.
func (w *LogWriter) Enqueue(rec *types.RequestLog) {
	select {
	case w.ch <- rec:
		return
	default:
	}
	select {
	case <-w.ch:
		metrics.ObserveLogsDropped(1)
	default:
	}
	select {
	case w.ch <- rec:
	default:
		metrics.ObserveLogsDropped(1)
	}
}

// Start launches the writer goroutine.
func (w *LogWriter) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop drains the queue, flushes the final batch, and waits for the
// writer to exit. Safe to call without Start and safe to call twice.
func (w *LogWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *LogWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	batch := make([]*types.RequestLog, 0, logBatchSize)
	for {
		select {
		case rec := <-w.ch:
			batch = append(batch, rec)
			if len(batch) >= logBatchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.stopCh:
			for {
				select {
				case rec := <-w.ch:
					batch = append(batch, rec)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes the batch and returns it emptied for reuse.
func (w *LogWriter) flush(batch []*types.RequestLog) []*types.RequestLog {
	if len(batch) == 0 {
		return batch
	}
	if err := w.db.AppendRequestLogs(batch); err != nil {
		lg := log.WithComponent("gateway")
		lg.Warn().Err(err).Int("count", len(batch)).Msg("request log write failed")
	}
	return batch[:0]
}
