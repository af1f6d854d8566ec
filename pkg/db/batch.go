package db

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/logger"
)

// WriteOp is one deferred statement.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter buffers writes and flushes them in one transaction when the
// buffer fills or the interval elapses.
type BatchWriter struct {
	db       *sql.DB
	log      *zap.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp

	writes   atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// BatchStats reports writer activity.
type BatchStats struct {
	Writes  uint64 `json:"writes"`
	Batches uint64 `json:"batches"`
	Errors  uint64 `json:"errors"`
	Pending int    `json:"pending"`
}

// NewBatchWriter starts a writer flushing at maxSize operations (default
// 50) or every interval (default 500ms).
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		log:      logger.OrNop(log).Named("batch_writer"),
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write queues op.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			bw.log.Warn("flush on full buffer failed", zap.Error(err))
		}
	}
}

// Flush writes every queued operation now. A failed batch is dropped.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	if err := bw.exec(ctx, ops); err != nil {
		bw.failures.Add(1)
		return err
	}
	bw.log.Debug("batch flushed", zap.Int("ops", len(ops)))
	return nil
}

func (bw *BatchWriter) exec(ctx context.Context, ops []WriteOp) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.log.Warn("batch rolled back", zap.String("table", op.Table), zap.Int("ops", len(ops)), zap.Error(err))
			return err
		}
	}
	return tx.Commit()
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("background flush failed", zap.Error(err))
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Stats returns counters and the current queue length.
func (bw *BatchWriter) Stats() BatchStats {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchStats{
		Writes:  bw.writes.Load(),
		Batches: bw.batches.Load(),
		Errors:  bw.failures.Load(),
		Pending: pending,
	}
}

// Close flushes what is queued and stops the writer.
func (bw *BatchWriter) Close() error {
	bw.once.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
