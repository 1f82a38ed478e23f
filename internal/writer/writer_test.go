package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockOpener hands the loop a fresh sqlmock connection per attempt, each
// expecting an insert of the next number in sequence.
type mockOpener struct {
	mu    sync.Mutex
	next  int64
	mocks []sqlmock.Sqlmock
	fail  error // when set, the insert fails with this error once
	delay time.Duration
}

func (m *mockOpener) open(string) (*sqlx.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}

	exp := mock.ExpectExec("INSERT INTO continuous_writes").WithArgs(m.next)
	if m.delay > 0 {
		exp.WillDelayFor(m.delay)
	}
	if m.fail != nil {
		exp.WillReturnError(m.fail)
		m.fail = nil
	} else {
		exp.WillReturnResult(sqlmock.NewResult(0, 1))
		m.next++
	}
	mock.ExpectClose()
	m.mocks = append(m.mocks, mock)
	return sqlx.NewDb(db, "pgx"), nil
}

func (m *mockOpener) verify(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mock := range m.mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("attempt %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWriterAdvances(t *testing.T) {
	opener := &mockOpener{next: 1}
	w := New(Config{SleepInterval: time.Millisecond}, opener.open, testLogger())

	if err := w.Start("dsn", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return w.LastWritten() >= 3 })

	last, err := w.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if last < 3 {
		t.Errorf("last = %d, want >= 3", last)
	}
	if w.Running() {
		t.Error("writer still reports running after Stop")
	}
	opener.verify(t)
}

func TestWriterResumesFrom(t *testing.T) {
	opener := &mockOpener{next: 42}
	w := New(Config{SleepInterval: time.Millisecond}, opener.open, testLogger())

	if err := w.Start("dsn", 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return w.LastWritten() >= 42 })

	if _, err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	opener.verify(t)
}

func TestWriterStallsOnConnectionError(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	open := func(string) (*sqlx.DB, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, &pgconn.PgError{Code: "08006", Message: "connection failure"}
	}

	w := New(Config{StallInterval: time.Hour}, open, testLogger())
	if err := w.Start("dsn", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Errorf("attempts = %d, want 1 (loop should back off)", got)
	}
	if w.LastWritten() != 0 {
		t.Errorf("LastWritten = %d, want 0", w.LastWritten())
	}

	if _, err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWriterAdvancesOnStatementError(t *testing.T) {
	// A duplicate key means a previously timed-out attempt actually landed;
	// the number is present so the loop moves on.
	opener := &mockOpener{next: 1, fail: &pgconn.PgError{Code: "23505", Message: "duplicate key"}}
	w := New(Config{SleepInterval: time.Millisecond}, opener.open, testLogger())

	if err := w.Start("dsn", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return w.LastWritten() >= 2 })

	if _, err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWriterTimeoutDoesNotAdvance(t *testing.T) {
	opener := &mockOpener{next: 1, delay: time.Hour}
	w := New(Config{AttemptTimeout: 20 * time.Millisecond}, opener.open, testLogger())

	if err := w.Start("dsn", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if w.LastWritten() != 0 {
		t.Errorf("LastWritten = %d, want 0 after timed-out attempts", w.LastWritten())
	}
	if _, err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartWhileRunning(t *testing.T) {
	opener := &mockOpener{next: 1}
	w := New(Config{SleepInterval: time.Millisecond}, opener.open, testLogger())

	if err := w.Start("dsn", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop(context.Background()) })

	if err := w.Start("dsn", 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	w := New(Config{}, nil, testLogger())

	last, err := w.Stop(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
	if last != -1 {
		t.Errorf("last = %d, want -1", last)
	}
}
