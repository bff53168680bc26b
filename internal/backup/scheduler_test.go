package backup

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/logger"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
	linkTo string // when set, dstPath becomes a symlink to this target

	mu    sync.Mutex
	calls int
	err   error
	block chan struct{} // when set, SnapshotTo blocks until closed
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(dstPath string) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	if f.linkTo != "" {
		return os.Symlink(f.linkTo, dstPath)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	tmp := dstPath + ".tmp"
	if err := os.WriteFile(tmp, f.data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, dstPath)
}

func (f *fakeSnapshotter) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(t *testing.T, store *fakeSnapshotter, cfg Config, clk clock.Clock) *Scheduler {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(store, cfg, clk, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func snapshotFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "vivarium-*.duckdb*"))
	if err != nil {
		t.Fatalf("glob snapshots: %v", err)
	}
	var files []string
	for _, m := range matches {
		if filepath.Ext(m) == ".tmp" {
			continue
		}
		files = append(files, m)
	}
	return files
}

func TestNew_RequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeSnapshotter{dbPath: ""}, Config{Dir: t.TempDir()}, clock.Real(), logger.Nop())
	if err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestNew_RequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb"}, Config{}, clock.Real(), logger.Nop())
	if err == nil {
		t.Fatal("expected error for empty snapshot dir")
	}
}

func TestTrigger_SerialRunsRespectRetention(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot")}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, store, Config{Dir: dir, KeepLast: 2}, clk)

	for i := 0; i < 3; i++ {
		rec, err := s.Trigger()
		if err != nil {
			t.Fatalf("Trigger #%d: %v", i+1, err)
		}
		if rec.Status != StatusSuccess {
			t.Fatalf("Trigger #%d status = %q, want success", i+1, rec.Status)
		}
		if rec.Checksum == "" {
			t.Fatalf("Trigger #%d produced empty checksum", i+1)
		}
		clk.Advance(time.Second) // distinct timestamped filenames
	}

	if got := s.history.Len(); got != 3 {
		t.Errorf("ledger records = %d, want 3", got)
	}
	if files := snapshotFiles(t, dir); len(files) != 2 {
		t.Errorf("snapshot files = %d, want 2 (retention)", len(files))
	}
}

func TestTrigger_BusyRejectedWithoutSecondFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	block := make(chan struct{})
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot"), block: block}
	s := newTestScheduler(t, store, Config{Dir: dir, KeepLast: 5}, clock.Real())

	firstDone := make(chan Record, 1)
	go func() {
		rec, _ := s.Trigger()
		firstDone <- rec
	}()

	// Wait until the first run is inside SnapshotTo.
	deadline := time.After(2 * time.Second)
	for store.snapshotCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("first snapshot never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	rec, err := s.Trigger()
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Trigger err = %v, want ErrBusy", err)
	}
	if rec.Status != StatusSkippedBusy {
		t.Fatalf("second Trigger status = %q, want skipped-busy", rec.Status)
	}

	close(block)
	first := <-firstDone
	if first.Status != StatusSuccess {
		t.Fatalf("first Trigger status = %q, want success", first.Status)
	}

	if got := store.snapshotCalls(); got != 1 {
		t.Errorf("snapshot calls = %d, want 1", got)
	}
	if files := snapshotFiles(t, dir); len(files) != 1 {
		t.Errorf("snapshot files = %d, want 1", len(files))
	}
	// Manual busy rejection is synchronous, not history.
	if got := s.history.Len(); got != 1 {
		t.Errorf("ledger records = %d, want 1", got)
	}
}

func TestTrigger_FailureRecordedNoPartialFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", err: errors.New("disk full")}
	s := newTestScheduler(t, store, Config{Dir: dir}, clock.Real())

	rec, err := s.Trigger()
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rec.Status != StatusFailure {
		t.Fatalf("status = %q, want failure", rec.Status)
	}
	if rec.Error == "" {
		t.Fatal("failure record has empty error")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "backups.ledger" {
			t.Errorf("unexpected file after failed run: %s", e.Name())
		}
	}
	if got := s.history.Len(); got != 1 {
		t.Errorf("ledger records = %d, want 1", got)
	}
}

func TestScheduledTicks_AdvanceLastRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot")}
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	interval := time.Hour
	s := newTestScheduler(t, store, Config{Dir: dir, Interval: interval, KeepLast: 10}, clk)

	s.Start()

	clk.Tick(interval)
	waitForRecords(t, s, 1)
	first := s.GetStatus()
	if first.LastRunAt == nil {
		t.Fatal("LastRunAt not set after first tick")
	}

	clk.Tick(interval)
	waitForRecords(t, s, 2)
	second := s.GetStatus()

	history := s.GetHistory(0)
	if len(history) != 2 {
		t.Fatalf("history = %d records, want 2", len(history))
	}
	for _, rec := range history {
		if rec.Status != StatusSuccess {
			t.Errorf("record %s status = %q, want success", rec.ID, rec.Status)
		}
	}
	if got := second.LastRunAt.Sub(*first.LastRunAt); got != interval {
		t.Errorf("lastRun advanced by %v, want %v", got, interval)
	}
}

func TestCompressedSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	payload := []byte("subjects observations samples storage")
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: payload}
	s := newTestScheduler(t, store, Config{Dir: dir, Compress: true}, clock.Real())

	rec, err := s.Trigger()
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", rec.Status)
	}
	if filepath.Ext(rec.FilePath) != ".zst" {
		t.Fatalf("snapshot path = %s, want .zst extension", rec.FilePath)
	}

	f, err := os.Open(rec.FilePath)
	if err != nil {
		t.Fatalf("open compressed snapshot: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	var out []byte
	buf := make([]byte, 256)
	for {
		n, rerr := dec.Read(buf)
		out = append(out, buf[:n]...)
		if rerr != nil {
			break
		}
	}
	if string(out) != string(payload) {
		t.Fatalf("decompressed payload mismatch: %q", out)
	}
}

func TestLedger_SurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot")}

	s := newTestScheduler(t, store, Config{Dir: dir}, clock.Real())
	if _, err := s.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	s.Stop()

	s2, err := New(store, Config{Dir: dir}, clock.Real(), logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(s2.Stop)

	if got := len(s2.GetHistory(0)); got != 1 {
		t.Errorf("history after restart = %d records, want 1", got)
	}
	if _, ok := s2.LatestSuccess(); !ok {
		t.Error("LatestSuccess not found after restart")
	}
}

func TestStop_WaitsForInFlightTrigger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	block := make(chan struct{})
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot"), block: block}
	s, err := New(store, Config{Dir: dir}, clock.Real(), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	triggerDone := make(chan Record, 1)
	go func() {
		rec, _ := s.Trigger()
		triggerDone <- rec
	}()

	deadline := time.After(2 * time.Second)
	for store.snapshotCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("snapshot never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	rec := <-triggerDone
	if rec.Status != StatusSuccess {
		t.Fatalf("in-flight run status = %q, want success", rec.Status)
	}
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}

	if _, err := s.Trigger(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after Stop err = %v, want ErrStopped", err)
	}

	// The record landed before the ledger closed.
	s2, err := New(store, Config{Dir: dir}, clock.Real(), logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(s2.Stop)
	if got := len(s2.GetHistory(0)); got != 1 {
		t.Errorf("history after restart = %d records, want 1", got)
	}
}

func TestScheduledTick_WhileBusyRecordsSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	block := make(chan struct{})
	store := &fakeSnapshotter{dbPath: "/tmp/vivarium.duckdb", data: []byte("snapshot"), block: block}
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, store, Config{Dir: dir, Interval: time.Hour, KeepLast: 5}, clk)

	s.Start()

	triggerDone := make(chan struct{})
	go func() {
		_, _ = s.Trigger()
		close(triggerDone)
	}()

	deadline := time.After(2 * time.Second)
	for store.snapshotCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("snapshot never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The tick lands while the manual run still holds the guard.
	clk.Tick(time.Hour)
	waitForRecords(t, s, 1)

	skipped, ok := s.history.Last()
	if !ok || skipped.Status != StatusSkippedBusy {
		t.Fatalf("ledger record status = %q, want skipped-busy", skipped.Status)
	}

	close(block)
	<-triggerDone
	waitForRecords(t, s, 2)

	if files := snapshotFiles(t, dir); len(files) != 1 {
		t.Errorf("snapshot files = %d, want 1", len(files))
	}
}

func TestTrigger_DanglingSnapshotRemoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{
		dbPath: "/tmp/vivarium.duckdb",
		linkTo: filepath.Join(dir, "missing-target"),
	}
	s := newTestScheduler(t, store, Config{Dir: dir}, clock.Real())

	rec, err := s.Trigger()
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rec.Status != StatusFailure {
		t.Fatalf("status = %q, want failure", rec.Status)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "backups.ledger" {
			t.Errorf("unexpected file after failed run: %s", e.Name())
		}
	}
}

func waitForRecords(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for s.history.Len() < want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d records (have %d)", want, s.history.Len())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
