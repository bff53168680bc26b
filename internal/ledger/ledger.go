// Package ledger persists bounded run histories. Each ledger is an
// append-only JSON-lines file synced on every append and capped at a fixed
// number of records; the oldest record is evicted once the cap is exceeded.
// Ledgers live outside the live database file so history survives a restore.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Ledger is a durable, capped, append-only record history.
type Ledger[T any] struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	records []T
	cap     int
	onEvict func(T)
}

// Open creates or opens a ledger at path holding at most capacity records.
// Existing records are loaded; a partially written trailing line (crash
// during a previous append) is ignored. onEvict, when non-nil, is called for
// every record dropped by the cap, outside durability-critical paths.
func Open[T any](path string, capacity int, onEvict func(T)) (*Ledger[T], error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: path is empty")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ledger: invalid capacity %d", capacity)
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}

	records, torn, err := readAll[T](path)
	if err != nil {
		return nil, err
	}

	l := &Ledger[T]{
		path:    path,
		records: records,
		cap:     capacity,
		onEvict: onEvict,
	}

	var evicted []T
	if len(l.records) > capacity {
		evicted = append([]T(nil), l.records[:len(l.records)-capacity]...)
		l.records = l.records[len(l.records)-capacity:]
	}
	// A torn tail must be dropped from disk before appends resume, or the
	// next record would be glued onto the partial line.
	if torn || len(evicted) > 0 {
		if err := l.rewriteLocked(); err != nil {
			return nil, err
		}
		l.notifyEvicted(evicted)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l.file = f
	return l, nil
}

// Append persists one record and evicts beyond the cap.
func (l *Ledger[T]) Append(record T) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	if l.file == nil {
		l.mu.Unlock()
		return errors.New("ledger: closed")
	}
	if _, err := l.file.Write(line); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ledger: write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ledger: sync record: %w", err)
	}
	l.records = append(l.records, record)

	var evicted []T
	if len(l.records) > l.cap {
		evicted = append([]T(nil), l.records[:len(l.records)-l.cap]...)
		l.records = l.records[len(l.records)-l.cap:]
		if err := l.rewriteLocked(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.mu.Unlock()

	l.notifyEvicted(evicted)
	return nil
}

// Recent returns up to limit records, most recent first. limit <= 0 returns
// everything retained.
func (l *Ledger[T]) Recent(limit int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// Last returns the newest record, if any.
func (l *Ledger[T]) Last() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if len(l.records) == 0 {
		return zero, false
	}
	return l.records[len(l.records)-1], true
}

// Len reports the number of retained records.
func (l *Ledger[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Close releases the backing file. Further appends fail.
func (l *Ledger[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// rewriteLocked replaces the backing file with the retained records using the
// temp-and-rename protocol, then swaps the append handle. Caller holds mu.
func (l *Ledger[T]) rewriteLocked() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("ledger: create rewrite temp: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range l.records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("ledger: rewrite encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rewrite flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rewrite sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rewrite close: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rewrite rename: %w", err)
	}

	if l.file != nil {
		_ = l.file.Close()
		nf, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, defaultFileMode)
		if err != nil {
			l.file = nil
			return fmt.Errorf("ledger: reopen after rewrite: %w", err)
		}
		l.file = nf
	}
	return nil
}

func (l *Ledger[T]) notifyEvicted(evicted []T) {
	if l.onEvict == nil {
		return
	}
	for _, r := range evicted {
		l.onEvict(r)
	}
}

func readAll[T any](path string) ([]T, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ledger: open for load: %w", err)
	}
	defer f.Close()

	var records []T
	torn := false
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var rec T
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				// A torn trailing line means the process died mid-append.
				// Anything after it is unreadable anyway.
				torn = true
				break
			}
			records = append(records, rec)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("ledger: load: %w", err)
		}
	}
	return records, torn, nil
}
