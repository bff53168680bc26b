// Package integrity validates retained snapshots against the checksums
// recorded when they were taken. A failed check is logged prominently but
// never stops the process: losing backup integrity must not also cause an
// outage.
package integrity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vivarium-lab/vivarium/internal/backup"
	"github.com/vivarium-lab/vivarium/internal/checksum"
	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/duckdb"
	"github.com/vivarium-lab/vivarium/internal/ledger"
	"github.com/vivarium-lab/vivarium/internal/logger"
)

const (
	defaultInterval    = 24 * time.Hour
	defaultHistoryKeep = 60
)

// ErrBusy signals a check rejected because one is already running.
var ErrBusy = errors.New("integrity: check already in progress")

// ErrStopped signals a check requested after Stop began.
var ErrStopped = errors.New("integrity: checker stopped")

// HistorySource locates the snapshot a check should validate.
type HistorySource interface {
	LatestSuccess() (backup.Record, bool)
}

// Checker recomputes snapshot checksums on a schedule and records outcomes
// in its own persisted ledger.
type Checker struct {
	source  HistorySource
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

// NewChecker validates cfg and builds a stopped Checker.
func NewChecker(source HistorySource, cfg Config, clk clock.Clock, log logger.Logger) (*Checker, error) {
	if source == nil {
		return nil, fmt.Errorf("integrity: nil history source")
	}
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		return nil, fmt.Errorf("integrity: ledger path is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Offset < 0 {
		return nil, fmt.Errorf("integrity: negative offset %v", cfg.Offset)
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Global()
	}

	history, err := ledger.Open[Record](cfg.LedgerPath, cfg.HistoryKeep, nil)
	if err != nil {
		return nil, fmt.Errorf("integrity: open ledger: %w", err)
	}

	return &Checker{
		source:  source,
		history: history,
		cfg:     cfg,
		clk:     clk,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the recurring check loop. The first scheduled check fires
// after Interval+Offset so it lands behind the backup window it validates.
func (c *Checker) Start() {
	first := c.cfg.Interval + c.cfg.Offset
	c.mu.Lock()
	c.nextRun = c.clk.Now().Add(first)
	c.mu.Unlock()

	ticker := c.clk.NewTicker(first)
	c.wg.Add(1)
	go c.loop(ticker)
}

func (c *Checker) loop(first clock.Ticker) {
	defer c.wg.Done()

	// Consume the offset tick, then settle into the plain interval.
	select {
	case <-first.C():
		first.Stop()
		c.runScheduled()
	case <-c.done:
		first.Stop()
		return
	}

	ticker := c.clk.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			c.runScheduled()
		case <-c.done:
			return
		}
	}
}

// Stop terminates the loop, waits for any in-flight check (scheduled or
// manual) to record its outcome, then closes the ledger. A check requested
// after Stop began is rejected with ErrStopped.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.runWG.Wait()
		if err := c.history.Close(); err != nil {
			c.log.Warn("closing integrity ledger", "error", err)
		}
	})
}

// RunCheck performs a manual check on the identical path as a scheduled one.
// Returns ErrBusy when a check is already active.
func (c *Checker) RunCheck() (Record, error) {
	return c.execute()
}

func (c *Checker) runScheduled() {
	if _, err := c.execute(); err != nil && !errors.Is(err, ErrBusy) {
		c.log.Error("scheduled integrity check", "error", err)
	}
}

func (c *Checker) execute() (Record, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Record{}, ErrBusy
	}
	defer c.running.Store(false)

	// Stop drains registered checks before closing the ledger, so a record
	// is never lost to shutdown.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Record{}, ErrStopped
	}
	c.runWG.Add(1)
	c.mu.Unlock()
	defer c.runWG.Done()

	rec := c.check()
	if err := c.history.Append(rec); err != nil {
		c.log.Error("appending integrity record", "error", err)
	}

	switch rec.Status {
	case StatusFail:
		c.log.Error("integrity check failed",
			"backup_id", rec.TargetBackupID,
			"expected", rec.ExpectedChecksum,
			"actual", rec.ActualChecksum,
			"detail", rec.Detail)
	case StatusError:
		c.log.Error("integrity check errored", "backup_id", rec.TargetBackupID, "detail", rec.Detail)
	default:
		c.log.Info("integrity check passed", "backup_id", rec.TargetBackupID, "detail", rec.Detail)
	}

	c.mu.Lock()
	c.lastRun = rec.CheckedAt
	c.nextRun = rec.CheckedAt.Add(c.cfg.Interval)
	c.mu.Unlock()

	return rec, nil
}

// check validates the newest successful snapshot against its recorded
// checksum, with an optional structural pass for uncompressed snapshots.
func (c *Checker) check() Record {
	now := c.clk.Now()
	rec := Record{
		ID:        fmt.Sprintf("ic-%d", now.UTC().UnixNano()),
		CheckedAt: now,
	}

	target, ok := c.source.LatestSuccess()
	if !ok {
		// A fresh deployment has nothing to validate; that is not a failure.
		rec.Status = StatusPass
		rec.Detail = "nothing to check"
		return rec
	}
	rec.TargetBackupID = target.ID
	rec.ExpectedChecksum = target.Checksum

	actual, err := checksum.File(target.FilePath)
	if err != nil {
		rec.Status = StatusError
		rec.Detail = fmt.Sprintf("read snapshot: %v", err)
		return rec
	}
	rec.ActualChecksum = actual

	if actual != target.Checksum {
		rec.Status = StatusFail
		rec.Detail = "checksum mismatch"
		return rec
	}

	if c.cfg.DeepVerify && !strings.HasSuffix(target.FilePath, ".zst") {
		if err := duckdb.VerifySnapshot(target.FilePath); err != nil {
			rec.Status = StatusFail
			rec.Detail = fmt.Sprintf("structural verification: %v", err)
			return rec
		}
	}

	rec.Status = StatusPass
	return rec
}

// GetStatus reports the checker state.
func (c *Checker) GetStatus() SchedulerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := SchedulerStatus{
		IntervalMS: c.cfg.Interval.Milliseconds(),
		Running:    c.running.Load(),
	}
	if !c.lastRun.IsZero() {
		t := c.lastRun
		st.LastRunAt = &t
	}
	if !c.nextRun.IsZero() {
		t := c.nextRun
		st.NextRunAt = &t
	}
	return st
}

// GetHistory returns up to limit records, most recent first.
func (c *Checker) GetHistory(limit int) []Record {
	return c.history.Recent(limit)
}
