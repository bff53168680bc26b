package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/ledger"
	"github.com/vivarium-lab/vivarium/internal/logger"
)

const (
	defaultInterval    = 24 * time.Hour
	defaultKeepLast    = 14
	defaultHistoryKeep = 100
)

// ErrBusy signals that a run was rejected because another run of the same
// kind is already in progress. It is an expected concurrency outcome, not a
// fault.
var ErrBusy = errors.New("backup: run already in progress")

// ErrStopped signals a trigger that arrived after Stop began.
var ErrStopped = errors.New("backup: scheduler stopped")

// Scheduler drives periodic snapshots, serializes concurrent runs, and
// records every outcome in the persisted ledger. A second trigger while a
// run is active is rejected, never queued.
type Scheduler struct {
	runner  *Runner
	history *ledger.Ledger[Record]
	cfg     Config
	clk     clock.Clock
	log     logger.Logger

	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
	stopped bool

	done     chan struct{}
	wg       sync.WaitGroup
	runWG    sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and builds a stopped Scheduler. Invalid configuration is
// the caller's fatal startup error.
func New(store Snapshotter, cfg Config, clk clock.Clock, log logger.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("backup: snapshot dir is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		cfg.LedgerPath = filepath.Join(cfg.Dir, "backups.ledger")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create snapshot dir: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Global()
	}

	// Evicted history entries take their snapshot file with them unless
	// retention already removed it.
	onEvict := func(rec Record) {
		if rec.Status != StatusSuccess || rec.FilePath == "" {
			return
		}
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn("could not remove evicted snapshot", "path", rec.FilePath, "error", err)
		}
	}
	history, err := ledger.Open[Record](cfg.LedgerPath, cfg.HistoryKeep, onEvict)
	if err != nil {
		return nil, fmt.Errorf("backup: open ledger: %w", err)
	}

	return &Scheduler{
		runner:  &Runner{store: store, cfg: cfg, clk: clk, log: log},
		history: history,
		cfg:     cfg,
		clk:     clk,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the periodic run loop. The ticker is created before Start
// returns so no tick can be missed.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.nextRun = s.clk.Now().Add(s.cfg.Interval)
	s.mu.Unlock()

	ticker := s.clk.NewTicker(s.cfg.Interval)
	s.wg.Add(1)
	go s.loop(ticker)
}

func (s *Scheduler) loop(ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.runScheduled()
		case <-s.done:
			return
		}
	}
}

// Stop terminates the run loop, waits for any in-flight run (scheduled or
// manual) to record its outcome, then closes the ledger. A trigger arriving
// after Stop began is rejected with ErrStopped before it touches the ledger.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.runWG.Wait()
		if err := s.history.Close(); err != nil {
			s.log.Warn("closing backup ledger", "error", err)
		}
	})
}

// Trigger runs a manual backup on the identical path as a scheduled tick.
// When a run is already active it returns a skipped-busy Record and ErrBusy;
// the rejection is synchronous and is not appended to the ledger.
func (s *Scheduler) Trigger() (Record, error) {
	return s.execute(false)
}

func (s *Scheduler) runScheduled() {
	if _, err := s.execute(true); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Error("scheduled backup", "error", err)
	}
}

// execute is the single implementation of "run a backup". The running flag
// is the per-scheduler mutual exclusion; it is always reset on the way out.
func (s *Scheduler) execute(scheduled bool) (Record, error) {
	if !s.running.CompareAndSwap(false, true) {
		now := s.clk.Now()
		rec := Record{
			ID:         fmt.Sprintf("bk-%d", now.UTC().UnixNano()),
			StartedAt:  now,
			FinishedAt: now,
			Status:     StatusSkippedBusy,
		}
		if scheduled {
			// A scheduled tick that found the previous run still active is
			// part of the history; a manual caller gets the rejection
			// synchronously instead.
			s.append(rec)
		}
		return rec, ErrBusy
	}
	defer s.running.Store(false)

	// Register with the run group before releasing anything: Stop drains
	// registered runs before closing the ledger, so a record is never lost
	// to shutdown.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Record{}, ErrStopped
	}
	s.runWG.Add(1)
	s.mu.Unlock()
	defer s.runWG.Done()

	rec := s.runner.Run()
	s.append(rec)

	s.mu.Lock()
	s.lastRun = rec.FinishedAt
	s.nextRun = rec.FinishedAt.Add(s.cfg.Interval)
	s.mu.Unlock()

	return rec, nil
}

func (s *Scheduler) append(rec Record) {
	if err := s.history.Append(rec); err != nil {
		s.log.Error("appending backup record", "error", err)
	}
}

// GetStatus reports the scheduler state.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		IntervalMS: s.cfg.Interval.Milliseconds(),
		Running:    s.running.Load(),
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRunAt = &t
	}
	if !s.nextRun.IsZero() {
		t := s.nextRun
		st.NextRunAt = &t
	}
	return st
}

// GetHistory returns up to limit records, most recent first.
func (s *Scheduler) GetHistory(limit int) []Record {
	return s.history.Recent(limit)
}

// LatestSuccess returns the newest successful backup record, if any.
func (s *Scheduler) LatestSuccess() (Record, bool) {
	for _, rec := range s.history.Recent(0) {
		if rec.Status == StatusSuccess {
			return rec, true
		}
	}
	return Record{}, false
}
