package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/vivarium-lab/vivarium/internal/checksum"
	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/logger"
)

const (
	snapshotPrefix = "vivarium-"
	snapshotExt    = ".duckdb"
	compressedExt  = ".duckdb.zst"
	timeFormat     = "20060102-150405"
)

// Runner performs one crash-safe snapshot per call and enforces file
// retention. It carries no concurrency state; the Scheduler serializes runs.
type Runner struct {
	store Snapshotter
	cfg   Config
	clk   clock.Clock
	log   logger.Logger
}

// Run executes a single backup attempt and always returns a Record, with
// status failure carrying the underlying error string. No temp artifact
// survives a failed run.
func (r *Runner) Run() Record {
	started := r.clk.Now()
	rec := Record{
		ID:        fmt.Sprintf("bk-%d", started.UTC().UnixNano()),
		StartedAt: started,
	}

	r.sweepStaleTemps()

	ext := snapshotExt
	if r.cfg.Compress {
		ext = compressedExt
	}
	dst := filepath.Join(r.cfg.Dir, snapshotPrefix+started.UTC().Format(timeFormat)+ext)

	err := r.writeSnapshot(dst)
	finished := r.clk.Now()
	rec.FinishedAt = finished
	rec.DurationMS = finished.Sub(started).Milliseconds()

	if err != nil {
		rec.Status = StatusFailure
		rec.Error = err.Error()
		r.log.Error("backup failed", "error", err)
		return rec
	}

	// A failure record must never leave an untracked snapshot behind for
	// retention to count, so both paths below remove the finalized file.
	info, err := os.Stat(dst)
	if err != nil {
		_ = os.Remove(dst)
		rec.Status = StatusFailure
		rec.Error = fmt.Sprintf("stat snapshot: %v", err)
		r.log.Error("backup failed", "error", rec.Error)
		return rec
	}
	sum, err := checksum.File(dst)
	if err != nil {
		_ = os.Remove(dst)
		rec.Status = StatusFailure
		rec.Error = fmt.Sprintf("checksum snapshot: %v", err)
		r.log.Error("backup failed", "error", rec.Error)
		return rec
	}

	rec.Status = StatusSuccess
	rec.FilePath = dst
	rec.SizeBytes = info.Size()
	rec.Checksum = sum
	r.log.Info("backup created", "path", dst, "size_bytes", info.Size(), "duration_ms", rec.DurationMS)

	r.prune()
	return rec
}

// writeSnapshot produces the finalized snapshot at dst, compressing through
// zstd when configured. Every intermediate file carries a .tmp suffix so
// retention and integrity lookups never see it.
func (r *Runner) writeSnapshot(dst string) error {
	if !r.cfg.Compress {
		return r.store.SnapshotTo(dst)
	}

	raw := dst + ".raw.tmp"
	if err := r.store.SnapshotTo(raw); err != nil {
		return err
	}
	defer os.Remove(raw)

	return compressFile(raw, dst)
}

// compressFile writes a zstd-compressed copy of srcPath to dstPath using the
// same temp-and-rename protocol as the plain snapshot copy.
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}

// sweepStaleTemps removes leftovers from a run killed mid-copy. The run
// guard ensures no live temp file exists while this executes.
func (r *Runner) sweepStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(r.cfg.Dir, snapshotPrefix+"*.tmp"))
	if err != nil {
		return
	}
	for _, stale := range matches {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			r.log.Warn("could not remove stale temp file", "path", stale, "error", err)
		}
	}
}

// prune keeps the newest KeepLast snapshot files and deletes the rest.
// Deletion is best-effort; a failure is logged and never blocks the next
// backup.
func (r *Runner) prune() {
	if r.cfg.KeepLast <= 0 {
		return
	}

	matches, err := filepath.Glob(filepath.Join(r.cfg.Dir, snapshotPrefix+"*"+snapshotExt+"*"))
	if err != nil {
		r.log.Warn("retention glob failed", "error", err)
		return
	}
	files := matches[:0]
	for _, m := range matches {
		if filepath.Ext(m) == ".tmp" {
			continue
		}
		files = append(files, m)
	}
	if len(files) <= r.cfg.KeepLast {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		// timestamp is embedded in filename and lexical sort matches chronology
		return files[i] > files[j]
	})

	for _, oldPath := range files[r.cfg.KeepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			r.log.Warn("retention delete failed", "path", oldPath, "error", err)
		}
	}
}
