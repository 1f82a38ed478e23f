// Package heartbeat periodically samples the continuous-writes engine and
// records its progress, so a stalled workload shows up in the logs and in
// the store without anyone polling the actions API.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInterval is how often the monitor samples the writer.
const DefaultInterval = 30 * time.Second

// SettingsStore is the interface the heartbeat needs from the config store.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Sample is a point-in-time reading of the writer.
type Sample struct {
	Running     bool
	LastWritten int64
}

// SampleFunc is called each tick to gather current writer state.
type SampleFunc func() Sample

// Monitor runs the sampling loop.
type Monitor struct {
	instanceID string
	interval   time.Duration
	sampleFn   SampleFunc
	store      SettingsStore
	logger     *slog.Logger

	mu           sync.Mutex
	lastObserved int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. It resolves (or generates) the instance ID from the
// settings store. Returns nil if the heartbeat is disabled via PGPROBE_HEARTBEAT.
func New(ctx context.Context, store SettingsStore, interval time.Duration, sampleFn SampleFunc, logger *slog.Logger) *Monitor {
	if envVal := os.Getenv("PGPROBE_HEARTBEAT"); envVal == "0" || envVal == "false" || envVal == "off" {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		instanceID:   resolveInstanceID(ctx, store),
		interval:     interval,
		sampleFn:     sampleFn,
		store:        store,
		logger:       logger,
		lastObserved: -1,
	}
}

// Start begins the background sampling loop. Non-blocking.
func (m *Monitor) Start() {
	if m == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.observe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the loop and takes a final sample.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.observe(context.Background())
}

// Observe takes one sample immediately. Exposed so tests and the serve loop
// can force a reading without waiting for a tick.
func (m *Monitor) Observe(ctx context.Context) {
	if m == nil {
		return
	}
	m.observe(ctx)
}

func (m *Monitor) observe(ctx context.Context) {
	sample := m.sampleFn()

	m.mu.Lock()
	stalled := sample.Running && sample.LastWritten == m.lastObserved
	m.lastObserved = sample.LastWritten
	m.mu.Unlock()

	if stalled {
		m.logger.Warn("writer made no progress since last heartbeat",
			"instance_id", m.instanceID,
			"last_written", sample.LastWritten,
		)
	} else {
		m.logger.Debug("heartbeat",
			"instance_id", m.instanceID,
			"running", sample.Running,
			"last_written", sample.LastWritten,
		)
	}

	if m.store != nil {
		if err := m.store.SetSetting(ctx, "heartbeat.last_observed",
			strconv.FormatInt(sample.LastWritten, 10)); err != nil {
			m.logger.Warn("failed to record heartbeat", "error", err)
		}
	}
}

// resolveInstanceID loads or generates a persistent instance ID.
func resolveInstanceID(ctx context.Context, store SettingsStore) string {
	if store != nil {
		id, err := store.GetSetting(ctx, "instance_id")
		if err == nil && id != "" {
			return id
		}
	}

	id := uuid.New().String()

	if store != nil {
		_ = store.SetSetting(ctx, "instance_id", id)
	}
	return id
}
