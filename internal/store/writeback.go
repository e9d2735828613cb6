package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/metrics"
	"github.com/twquant/autotrader/pkg/types"
)

// DefaultWritebackQueueSize bounds the asynchronous event-log queue.
const DefaultWritebackQueueSize = 1024

// writeTimeout bounds each drained database write.
const writeTimeout = 5 * time.Second

// EventWriter is the slice of Store the writeback queue drains into.
type EventWriter interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	SaveVetoEvent(ctx context.Context, event types.VetoEvent) error
	SaveDailyStatistics(ctx context.Context, stats types.DailyStatistics) error
}

// record is one queued write. Exactly one field is set.
type record struct {
	Trade *types.Trade           `json:"trade,omitempty"`
	Veto  *types.VetoEvent       `json:"veto,omitempty"`
	Stats *types.DailyStatistics `json:"stats,omitempty"`
}

// Writeback decouples the trading loop from event-log persistence with a
// bounded queue. When the queue is full the record goes to a durable spill
// file instead of blocking the caller.
type Writeback struct {
	sink      EventWriter
	queue     chan record
	spillPath string

	spillMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	spilled atomic.Int64
	failed  atomic.Int64

	logger *zap.Logger
}

// NewWriteback wraps sink with a queue of the given size. spillPath is the
// fallback file appended to when the queue is full.
func NewWriteback(sink EventWriter, spillPath string, size int, logger *zap.Logger) *Writeback {
	if size <= 0 {
		size = DefaultWritebackQueueSize
	}
	return &Writeback{
		sink:      sink,
		queue:     make(chan record, size),
		spillPath: spillPath,
		done:      make(chan struct{}),
		logger:    logger.Named("writeback"),
	}
}

// Start launches the drain goroutine.
func (w *Writeback) Start() {
	if info, err := os.Stat(w.spillPath); err == nil && info.Size() > 0 {
		w.logger.Warn("spill file from a previous run needs reconciliation",
			zap.String("path", w.spillPath), zap.Int64("bytes", info.Size()))
	}
	go w.drain()
}

func (w *Writeback) drain() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case rec.Trade != nil:
			err = w.sink.SaveTrade(ctx, *rec.Trade)
		case rec.Veto != nil:
			err = w.sink.SaveVetoEvent(ctx, *rec.Veto)
		case rec.Stats != nil:
			err = w.sink.SaveDailyStatistics(ctx, *rec.Stats)
		}
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Warn("event write failed, spilling", zap.Error(err))
			if spillErr := w.spill(rec); spillErr != nil {
				w.logger.Error("spill after failed write", zap.Error(spillErr))
			}
		}
	}
}

// Drain stops intake and waits for the queue to empty, bounded by ctx.
func (w *Writeback) Drain(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.queue) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("writeback drain: %w", ctx.Err())
	}
}

// SaveTrade queues a trade row. Never blocks.
func (w *Writeback) SaveTrade(_ context.Context, trade types.Trade) error {
	return w.enqueue(record{Trade: &trade})
}

// SaveVetoEvent queues a veto event row. Never blocks.
func (w *Writeback) SaveVetoEvent(_ context.Context, event types.VetoEvent) error {
	return w.enqueue(record{Veto: &event})
}

// SaveDailyStatistics queues a daily statistics row. Never blocks.
func (w *Writeback) SaveDailyStatistics(_ context.Context, stats types.DailyStatistics) error {
	return w.enqueue(record{Stats: &stats})
}

// Spilled returns how many records went to the fallback file.
func (w *Writeback) Spilled() int64 { return w.spilled.Load() }

func (w *Writeback) enqueue(rec record) error {
	select {
	case w.queue <- rec:
		return nil
	default:
	}
	w.logger.Warn("writeback queue full, spilling to file", zap.String("path", w.spillPath))
	return w.spill(rec)
}

func (w *Writeback) spill(rec record) error {
	w.spillMu.Lock()
	defer w.spillMu.Unlock()

	f, err := os.OpenFile(w.spillPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open spill file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spill record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append spill record: %w", err)
	}
	w.spilled.Add(1)
	metrics.WritebackSpills.Inc()
	return nil
}
