// Package writer implements the continuous-writes engine: a loop that
// inserts an incrementing counter into the related database so tests can
// verify no writes were lost across a failover or upgrade.
package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pgprobe/pgprobe/internal/model"
	"github.com/pgprobe/pgprobe/internal/pgclient"
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is active.
	ErrAlreadyRunning = errors.New("continuous writes already running")
	// ErrNotRunning is returned by Stop and Wait when no loop is active.
	ErrNotRunning = errors.New("continuous writes not running")
)

// Config tunes the write loop.
type Config struct {
	// SleepInterval is the pause between consecutive writes. Zero means
	// write as fast as the server accepts.
	SleepInterval time.Duration
	// AttemptTimeout bounds a single write. An attempt that exceeds it is
	// abandoned and the same number is retried.
	AttemptTimeout time.Duration
	// StallInterval is how long the loop backs off after a connection-level
	// failure before retrying, giving a failover time to settle.
	StallInterval time.Duration
}

// DefaultConfig returns the intervals the loop runs with unless overridden.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 10 * time.Second,
		StallInterval:  30 * time.Second,
	}
}

// Writer runs the loop. Each attempt opens a fresh connection so a write
// lands on whatever host the DSN currently resolves to; SetDSN can repoint
// it mid-run when the primary moves.
type Writer struct {
	cfg    Config
	open   pgclient.OpenFunc
	logger *slog.Logger

	mu        sync.Mutex
	dsn       string
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	last      int64
}

// New creates a Writer. Zero intervals in cfg fall back to DefaultConfig.
func New(cfg Config, open pgclient.OpenFunc, logger *slog.Logger) *Writer {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.StallInterval <= 0 {
		cfg.StallInterval = def.StallInterval
	}
	return &Writer{cfg: cfg, open: open, logger: logger, last: -1}
}

// Start launches the write loop at the given number. It returns
// ErrAlreadyRunning if a loop is active; callers that want restart-on-start
// semantics stop the old loop first.
func (w *Writer) Start(dsn string, from int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.dsn = dsn
	w.running = true
	w.startedAt = time.Now().UTC()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.last = from - 1

	w.logger.Info("continuous writes started", "from", from)
	go w.loop(ctx, w.done, from)
	return nil
}

// Stop halts the loop and returns the last number known to be written. It
// blocks until the in-flight attempt finishes or ctx expires; on ctx expiry
// the loop keeps winding down in the background and the current value is
// returned.
func (w *Writer) Stop(ctx context.Context) (int64, error) {
	w.mu.Lock()
	if !w.running {
		last := w.last
		w.mu.Unlock()
		return last, ErrNotRunning
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.logger.Info("continuous writes stopped", "last_written", w.last)
	return w.last, nil
}

// SetDSN repoints subsequent write attempts, used when the provider
// publishes new endpoints while the loop is running.
func (w *Writer) SetDSN(dsn string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dsn = dsn
}

// LastWritten returns the highest number confirmed written, or -1 before
// the first successful write.
func (w *Writer) LastWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Running reports whether the loop is active.
func (w *Writer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Status returns a snapshot for the status endpoints.
func (w *Writer) Status() model.WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := model.WriterStatus{Running: w.running, LastWritten: w.last}
	if w.running {
		st.StartedAt = w.startedAt
	}
	return st
}

func (w *Writer) loop(ctx context.Context, done chan struct{}, value int64) {
	defer close(done)

	for ctx.Err() == nil {
		err := w.writeOnce(ctx, value)
		switch {
		case err == nil:
			w.advance(value)
			value++
		case errors.Is(err, context.Canceled):
			// Shutdown raced the attempt; the write may or may not have
			// landed, so leave the counter alone.
		case pgclient.IsTimeout(err):
			// Abandoned attempt; retry the same number so a gap never
			// appears in the sequence.
			w.logger.Warn("write attempt timed out", "number", value)
		case pgclient.IsConnectionError(err):
			w.logger.Warn("database unreachable, backing off",
				"number", value, "error", err)
			sleepCtx(ctx, w.cfg.StallInterval)
		default:
			// The statement reached the server and was rejected (for
			// example a duplicate key after a retried attempt actually
			// landed). The number is present, move on.
			w.logger.Debug("write rejected, advancing", "number", value, "error", err)
			w.advance(value)
			value++
		}

		if w.cfg.SleepInterval > 0 {
			sleepCtx(ctx, w.cfg.SleepInterval)
		}
	}
}

func (w *Writer) writeOnce(ctx context.Context, value int64) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	w.mu.Lock()
	dsn := w.dsn
	w.mu.Unlock()

	db, err := w.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(attemptCtx, "INSERT INTO continuous_writes(number) VALUES($1)", value)
	return err
}

func (w *Writer) advance(value int64) {
	w.mu.Lock()
	w.last = value
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
