package integrity

import "time"

// Status classifies one integrity check outcome.
type Status string

const (
	// StatusPass means the snapshot matched its recorded baseline (or there
	// was nothing to check yet).
	StatusPass Status = "pass"
	// StatusFail means the snapshot's bytes or structure no longer match
	// what was recorded at backup time.
	StatusFail Status = "fail"
	// StatusError means the check itself could not run, e.g. the snapshot
	// file was unreadable.
	StatusError Status = "error"
)

// Record describes one integrity check. Immutable once written.
type Record struct {
	ID               string    `json:"id"`
	CheckedAt        time.Time `json:"checked_at"`
	TargetBackupID   string    `json:"target_backup_id,omitempty"`
	Status           Status    `json:"status"`
	ExpectedChecksum string    `json:"expected_checksum,omitempty"`
	ActualChecksum   string    `json:"actual_checksum,omitempty"`
	Detail           string    `json:"detail,omitempty"`
}

// SchedulerStatus is the externally visible checker state.
type SchedulerStatus struct {
	IntervalMS int64      `json:"interval_ms"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	Running    bool       `json:"running"`
}

// Config controls the recurring integrity check.
type Config struct {
	// Interval between scheduled checks.
	Interval time.Duration
	// Offset delays the first scheduled check so it lands after the backup
	// window it validates.
	Offset time.Duration
	// HistoryKeep bounds the number of records retained in the ledger.
	HistoryKeep int
	// LedgerPath is the integrity history file.
	LedgerPath string
	// DeepVerify additionally opens uncompressed snapshots as a database
	// and validates table structure.
	DeepVerify bool
}
