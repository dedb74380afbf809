package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/router"
)

// ErrBufferFull is returned by HandleMessage when the input queue is at its limit.
var ErrBufferFull = errors.New("archive buffer full")

// Config holds writer configuration.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Input queue limit (0 = unbounded)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics holds writer counters.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// BatchSender executes a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type messageRow struct {
	ID         int64
	RoomID     int64
	SenderID   int64
	Content    string
	CreatedAt  time.Time
	ReceivedAt int64 // Unix microseconds
}

// Writer batches chat messages into the chat_messages table.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     BatchSender
	now    func() time.Time

	input *router.Queue[messageRow]

	batch   []messageRow
	batchMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{} // Closed when the input queue is drained

	metrics Metrics
}

var _ router.EventSink = (*Writer)(nil)

// NewWriter creates a new Writer.
func NewWriter(cfg Config, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:      cfg,
		db:       db,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
		input:    router.NewQueue[messageRow](cfg.BatchSize, cfg.BufferSize),
		batch:    make([]messageRow, 0, cfg.BatchSize),
		consumed: make(chan struct{}),
	}
}

// HandleMessage enqueues msg for archiving. It never waits on the database.
func (w *Writer) HandleMessage(_ context.Context, msg model.ChatMessage) error {
	if !w.input.Push(w.transform(msg)) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return ErrBufferFull
	}
	return nil
}

// Start begins consuming messages and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued messages and performs a final flush.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	w.input.Close()
	if w.cancel == nil {
		// Never started.
		return nil
	}

	select {
	case <-w.consumed:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out", "pending", w.input.Len())
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("archive writer stopped")
	case <-ctx.Done():
	}

	// Final flush
	w.flush()
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop pops messages until the queue is closed and drained.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		row, ok := w.input.Pop()
		if !ok {
			return
		}
		w.handleRow(row)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) handleRow(row messageRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

func (w *Writer) transform(msg model.ChatMessage) messageRow {
	created := msg.CreatedAt.Time
	received := w.now()
	if created.IsZero() {
		created = received
	}
	return messageRow{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		CreatedAt:  created.UTC(),
		ReceivedAt: received.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO chat_messages (id, room_id, sender_id, content, created_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.RoomID, r.SenderID, r.Content, r.CreatedAt, r.ReceivedAt)
	}

	// The final flush runs after cancellation, so it gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
