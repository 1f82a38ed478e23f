// Package action implements the operator actions: starting, stopping,
// clearing, and inspecting the continuous-writes workload, relaying ad-hoc
// SQL, and probing TLS on a related PostgreSQL cluster.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/model"
	"github.com/pgprobe/pgprobe/internal/pgclient"
	"github.com/pgprobe/pgprobe/internal/relation"
	"github.com/pgprobe/pgprobe/internal/writer"
)

// stopWait bounds how long a stop action waits for the loop's in-flight
// attempt before giving up and reporting the counter as it stands.
const stopWait = time.Minute

// Runner executes actions against the relations currently known to the
// probe. It owns the single continuous-writes loop and keeps the store's
// writer settings in sync so a restarted probe can resume.
type Runner struct {
	store     *config.Store
	relations *relation.Registry
	writer    *writer.Writer
	open      pgclient.OpenFunc
	logger    *slog.Logger
}

// NewRunner wires a Runner.
func NewRunner(store *config.Store, relations *relation.Registry, w *writer.Writer, open pgclient.OpenFunc, logger *slog.Logger) *Runner {
	return &Runner{store: store, relations: relations, writer: w, open: open, logger: logger}
}

// StartContinuousWrites creates the continuous_writes table on the first
// database relation and starts the loop at 1. An already-running loop is
// stopped first, so repeated starts reset the sequence.
func (r *Runner) StartContinuousWrites(ctx context.Context) (*model.ActionResult, error) {
	rel, err := r.relations.Get(model.FirstDatabase)
	if err != nil {
		return &model.ActionResult{}, err
	}
	dsn, err := relation.WriterDSN(rel)
	if err != nil {
		return &model.ActionResult{}, err
	}

	if _, err := r.writer.Stop(ctx); err != nil && !errors.Is(err, writer.ErrNotRunning) {
		return &model.ActionResult{}, err
	}

	if err := r.createWritesTable(ctx, dsn); err != nil {
		return &model.ActionResult{}, err
	}

	if err := r.writer.Start(dsn, 1); err != nil {
		return &model.ActionResult{}, err
	}
	if err := r.store.SetWriterRunning(ctx, true); err != nil {
		return &model.ActionResult{}, err
	}
	return &model.ActionResult{Result: true}, nil
}

// StopContinuousWrites halts the loop and returns the last number written.
// When no loop is running the persisted value from the previous run is
// returned, or -1 if the writer never produced one.
func (r *Runner) StopContinuousWrites(ctx context.Context) (*model.WritesResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, stopWait)
	defer cancel()

	last, err := r.writer.Stop(waitCtx)
	if errors.Is(err, writer.ErrNotRunning) {
		stored, serr := r.store.LastWritten(ctx)
		if serr != nil {
			return &model.WritesResult{Writes: -1}, serr
		}
		return &model.WritesResult{Writes: stored}, nil
	}
	if err != nil {
		return &model.WritesResult{Writes: -1}, err
	}

	if err := r.store.SetWriterRunning(ctx, false); err != nil {
		return &model.WritesResult{Writes: last}, err
	}
	if err := r.store.SetLastWritten(ctx, last); err != nil {
		return &model.WritesResult{Writes: last}, err
	}
	return &model.WritesResult{Writes: last}, nil
}

// ClearContinuousWrites stops the loop and drops the continuous_writes
// table, resetting the workload for the next test.
func (r *Runner) ClearContinuousWrites(ctx context.Context) (*model.ActionResult, error) {
	if _, err := r.StopContinuousWrites(ctx); err != nil {
		return &model.ActionResult{}, err
	}

	rel, err := r.relations.Get(model.FirstDatabase)
	if err != nil {
		return &model.ActionResult{}, err
	}
	dsn, err := relation.WriterDSN(rel)
	if err != nil {
		return &model.ActionResult{}, err
	}

	db, err := r.open(dsn)
	if err != nil {
		return &model.ActionResult{}, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS continuous_writes"); err != nil {
		return &model.ActionResult{}, err
	}

	if err := r.store.DeleteSetting(ctx, config.SettingLastWritten); err != nil {
		return &model.ActionResult{}, err
	}
	return &model.ActionResult{Result: true}, nil
}

// ShowContinuousWrites counts the rows currently in continuous_writes. A
// count of -1 means the table could not be reached.
func (r *Runner) ShowContinuousWrites(ctx context.Context) (*model.WritesResult, error) {
	count, err := r.countWrites(ctx)
	if err != nil {
		return &model.WritesResult{Writes: -1}, err
	}
	return &model.WritesResult{Writes: count}, nil
}

// RunSQL executes an arbitrary statement over one of the two database
// relations and returns the result rows JSON-encoded. A statement the
// server rejects is reported inside the results rather than as an action
// failure, so tests can assert on expected errors.
func (r *Runner) RunSQL(ctx context.Context, req *model.RunSQLRequest) (*model.RunSQLResult, error) {
	rel, err := r.relations.Resolve(req.RelationName)
	if err != nil {
		return nil, err
	}

	dsn, err := relation.ConnectDSN(rel, req.DBName, req.Readonly, false)
	if err != nil {
		return nil, err
	}

	db, err := r.open(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var payload any
	rows, err := pgclient.QueryRows(ctx, db, req.Query)
	if err != nil {
		payload = []string{err.Error()}
	} else {
		payload = rows
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return &model.RunSQLResult{Results: string(encoded)}, nil
}

// TestTLS reports whether the relation's endpoint accepts a TLS connection.
// The connection is opened with sslmode=require, so a server without TLS
// fails the handshake and the result is "false".
func (r *Runner) TestTLS(ctx context.Context, req *model.TestTLSRequest) (*model.TestTLSResult, error) {
	rel, err := r.relations.Resolve(req.RelationName)
	if err != nil {
		return nil, err
	}

	dsn, err := relation.ConnectDSN(rel, req.DBName, req.Readonly, true)
	if err != nil {
		return nil, err
	}

	db, err := r.open(dsn)
	if err != nil {
		r.logger.Debug("tls probe failed", "relation", req.RelationName, "error", err)
		return &model.TestTLSResult{Results: "false"}, nil
	}
	db.Close()
	return &model.TestTLSResult{Results: "true"}, nil
}

// ResumeIfRunning restarts the loop after a probe restart when the store
// says a writer was active. The restart point comes from counting the rows
// already present, so the sequence continues instead of colliding.
func (r *Runner) ResumeIfRunning(ctx context.Context) error {
	running, err := r.store.WriterRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	rel, err := r.relations.Get(model.FirstDatabase)
	if err != nil {
		return err
	}
	dsn, err := relation.WriterDSN(rel)
	if err != nil {
		return err
	}

	count, err := r.countWrites(ctx)
	if err != nil {
		return fmt.Errorf("count existing writes: %w", err)
	}

	r.logger.Info("resuming continuous writes", "from", count+1)
	return r.writer.Start(dsn, count+1)
}

// RelationChanged updates the registry with a fresh databag and, when the
// first database relation moved, repoints the running loop at the new
// primary.
func (r *Runner) RelationChanged(rel model.Relation) {
	r.relations.Upsert(rel)

	if rel.Name != model.FirstDatabase || !r.writer.Running() {
		return
	}
	dsn, err := relation.WriterDSN(&rel)
	if err != nil {
		r.logger.Warn("relation changed but databag incomplete", "relation", rel.Name, "error", err)
		return
	}
	r.writer.SetDSN(dsn)
	r.logger.Info("writer repointed", "relation", rel.Name)
}

// RelationBroken drops a relation from the registry. A running writer is
// left alone; it stalls until the relation returns or the operator stops it.
func (r *Runner) RelationBroken(name string) {
	r.relations.Remove(name)
}

// Status reports the writer state for the status endpoints.
func (r *Runner) Status() model.WriterStatus {
	return r.writer.Status()
}

func (r *Runner) createWritesTable(ctx context.Context, dsn string) error {
	db, err := r.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS continuous_writes(number INTEGER)"); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "CREATE UNIQUE INDEX IF NOT EXISTS number ON continuous_writes(number)")
	return err
}

func (r *Runner) countWrites(ctx context.Context) (int64, error) {
	rel, err := r.relations.Get(model.FirstDatabase)
	if err != nil {
		return -1, err
	}
	dsn, err := relation.WriterDSN(rel)
	if err != nil {
		return -1, err
	}

	db, err := r.open(dsn)
	if err != nil {
		return -1, err
	}
	defer db.Close()

	var count int64
	if err := db.GetContext(ctx, &count, "SELECT COUNT(number) FROM continuous_writes"); err != nil {
		return -1, err
	}
	return count, nil
}
