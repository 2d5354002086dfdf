package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kmemlab/fragscan/internal/model"
)

// ScanDB provides SQLite-based storage for scan history.
// It manages connection pooling and provides methods for saving and
// querying past scan reports, which is what the compare command works on.
//
// Design decision: We use a single database file for all targets rather
// than one file per target. Fragmentation analysis is mostly about trends
// ("what changed since yesterday's scan of this host"), and a single file
// makes cross-target listing and backup/restore trivial.
type ScanDB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string

	// lock serializes writers across processes. SQLite's own locking
	// covers a single statement, but a scheduled scan and an interactive
	// one may both open the database; the advisory lock keeps their write
	// transactions from contending on SQLITE_BUSY.
	lock *flock.Flock

	// lockTimeout bounds how long withWriteLock waits for the lock.
	lockTimeout time.Duration
}

// Options configures ScanDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging for better concurrent performance.
	// This is recommended for most use cases.
	EnableWAL bool

	// LockTimeout bounds how long a writer waits for the cross-process
	// file lock. Zero means the default of 10 seconds.
	LockTimeout time.Duration
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// defaultLockTimeout is how long writers wait for the advisory file lock.
const defaultLockTimeout = 10 * time.Second

// Open opens or creates a ScanDB at the specified path.
// If CreateIfNotExists is true, the directory and database file are created.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*ScanDB, error) {
	dbPath := filepath.Join(dbDir, "fragscan.db")

	// Check if we should create the database or require it to exist
	if !opts.CreateIfNotExists {
		// Check if database file exists
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Build connection string
	// We use modernc.org/sqlite which uses a different connection string format.
	// When CreateIfNotExists is false, we use mode=rw to prevent creating new files.
	// When CreateIfNotExists is true, we use mode=rwc to allow creation.
	var dsn string
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	} else {
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	// SQLite doesn't benefit from multiple connections for writes,
	// but multiple readers can improve performance
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	sdb := &ScanDB{
		db:          db,
		dbPath:      dbPath,
		lock:        flock.New(dbPath + ".lock"),
		lockTimeout: lockTimeout,
	}

	// Enable WAL mode if requested
	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	// Create tables
	if err := sdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return sdb, nil
}

// Close closes the database connection.
func (sdb *ScanDB) Close() error {
	return sdb.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (sdb *ScanDB) createTables() error {
	schema := `
	-- Scan reports store complete scan results as JSON, plus the headline
	-- numbers as columns so history listings avoid parsing the blob.
	CREATE TABLE IF NOT EXISTS scan_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		kernel_release TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		scanned_blocks INTEGER NOT NULL DEFAULT 0,
		unmovable_blocks INTEGER NOT NULL DEFAULT 0,
		unmovable_percent REAL NOT NULL DEFAULT 0,
		report_json TEXT NOT NULL,
		severity_summary TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_target ON scan_reports(target);
	CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON scan_reports(timestamp);
	`

	_, err := sdb.db.ExecContext(context.Background(), schema)
	return err
}

// withWriteLock runs fn while holding the cross-process file lock.
func (sdb *ScanDB) withWriteLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, sdb.lockTimeout)
	defer cancel()

	locked, err := sdb.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("database is locked by another fragscan process")
	}
	defer sdb.lock.Unlock() //nolint:errcheck // the lock file is advisory

	return fn()
}

// SaveScanReport saves a complete scan report as JSON and returns the
// new record's ID.
func (sdb *ScanDB) SaveScanReport(ctx context.Context, report *model.ScanReport) (int64, error) {
	// Serialize report to JSON
	if report.Summary == nil {
		report.Summary = model.NewSummary(report)
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize report: %w", err)
	}

	// Create severity summary
	severitySummary := map[string]int{
		"critical": report.Summary.CriticalCount,
		"high":     report.Summary.HighCount,
		"medium":   report.Summary.MediumCount,
		"low":      report.Summary.LowCount,
		"info":     report.Summary.InfoCount,
	}
	severityJSON, _ := json.Marshal(severitySummary) //nolint:errcheck,errchkjson // severitySummary is a simple map; Marshal won't fail

	query := `
	INSERT INTO scan_reports (target, source_kind, kernel_release, scanned_blocks, unmovable_blocks, unmovable_percent, report_json, severity_summary)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var id int64
	err = sdb.withWriteLock(ctx, func() error {
		result, err := sdb.db.ExecContext(ctx, query,
			report.Target,
			report.SourceKind,
			report.KernelRelease,
			report.ScannedBlocks(),
			report.UnmovableBlocks,
			report.UnmovableBlockRatio()*100,
			string(reportJSON),
			string(severityJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to save scan report: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// GetLatestScanReport retrieves the most recent scan report for a target.
// Returns nil without error when the target has never been scanned.
func (sdb *ScanDB) GetLatestScanReport(ctx context.Context, target string) (*model.ScanReport, error) {
	query := `
	SELECT report_json FROM scan_reports
	WHERE target = ?
	ORDER BY timestamp DESC, id DESC
	LIMIT 1
	`

	var reportJSON string
	err := sdb.db.QueryRowContext(ctx, query, target).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan report: %w", err)
	}

	var report model.ScanReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}

	return &report, nil
}

// GetScanReportByID retrieves a scan report by its database ID.
// Returns nil without error when no such record exists.
func (sdb *ScanDB) GetScanReportByID(ctx context.Context, id int64) (*model.ScanReport, error) {
	query := `
	SELECT report_json FROM scan_reports
	WHERE id = ?
	`

	var reportJSON string
	err := sdb.db.QueryRowContext(ctx, query, id).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan report: %w", err)
	}

	var report model.ScanReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}

	return &report, nil
}

// GetScanHistory retrieves all scan reports for a target, newest first.
func (sdb *ScanDB) GetScanHistory(ctx context.Context, target string) ([]*model.ScanReport, error) {
	query := `
	SELECT report_json FROM scan_reports
	WHERE target = ?
	ORDER BY timestamp DESC, id DESC
	`

	rows, err := sdb.db.QueryContext(ctx, query, target)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan history: %w", err)
	}
	defer rows.Close()

	var reports []*model.ScanReport
	for rows.Next() {
		var reportJSON string
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}

		var report model.ScanReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			continue // Skip malformed reports
		}
		reports = append(reports, &report)
	}

	return reports, rows.Err()
}

// GetScanReportsSince retrieves all scan reports for a target recorded at
// or after the given time, newest first.
func (sdb *ScanDB) GetScanReportsSince(ctx context.Context, target string, since time.Time) ([]*model.ScanReport, error) {
	query := `
	SELECT report_json FROM scan_reports
	WHERE target = ? AND timestamp >= ?
	ORDER BY timestamp DESC, id DESC
	`

	rows, err := sdb.db.QueryContext(ctx, query, target, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("failed to get scan reports: %w", err)
	}
	defer rows.Close()

	var reports []*model.ScanReport
	for rows.Next() {
		var reportJSON string
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}

		var report model.ScanReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			continue // Skip malformed reports
		}
		reports = append(reports, &report)
	}

	return reports, rows.Err()
}

// ListTargets returns a list of all targets with stored scans.
func (sdb *ScanDB) ListTargets(ctx context.Context) ([]string, error) {
	query := `
	SELECT DISTINCT target FROM scan_reports
	ORDER BY target
	`

	rows, err := sdb.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}

	return targets, rows.Err()
}

// ScanReportMetadata contains summary information about a stored scan.
// This is used for displaying scan history without loading the full report.
type ScanReportMetadata struct {
	// ID is the unique identifier of the scan report in the database.
	ID int64

	// Target is the scanned target.
	Target string

	// SourceKind identifies the image source ("procfs" or "snapshot").
	SourceKind string

	// Timestamp is when the scan was performed.
	Timestamp time.Time

	// ScannedBlocks and UnmovableBlocks are the headline block counts.
	ScannedBlocks   int
	UnmovableBlocks int

	// UnmovablePercent is the pinned share of usable blocks, 0-100.
	UnmovablePercent float64

	// SeveritySummary contains counts of findings by severity level.
	SeveritySummary map[string]int
}

// GetScanHistoryWithMetadata retrieves scan report metadata for a target.
// This is more efficient than GetScanHistory when only metadata is needed.
func (sdb *ScanDB) GetScanHistoryWithMetadata(ctx context.Context, target string) ([]ScanReportMetadata, error) {
	query := `
	SELECT id, target, source_kind, timestamp, scanned_blocks, unmovable_blocks, unmovable_percent, severity_summary, report_json
	FROM scan_reports
	WHERE target = ?
	ORDER BY timestamp DESC, id DESC
	`

	rows, err := sdb.db.QueryContext(ctx, query, target)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan history: %w", err)
	}
	defer rows.Close()

	var results []ScanReportMetadata
	for rows.Next() {
		var meta ScanReportMetadata
		var timestamp string
		var severityJSON sql.NullString
		var reportJSON string

		if err := rows.Scan(&meta.ID, &meta.Target, &meta.SourceKind, &timestamp,
			&meta.ScannedBlocks, &meta.UnmovableBlocks, &meta.UnmovablePercent,
			&severityJSON, &reportJSON); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}

		// Parse timestamp
		meta.Timestamp = parseTimestamp(timestamp)

		// Parse severity summary
		if severityJSON.Valid && severityJSON.String != "" {
			if err := json.Unmarshal([]byte(severityJSON.String), &meta.SeveritySummary); err != nil {
				meta.SeveritySummary = severitySummaryFromReport(reportJSON)
			}
		} else {
			meta.SeveritySummary = severitySummaryFromReport(reportJSON)
		}

		results = append(results, meta)
	}

	return results, rows.Err()
}

// severitySummaryFromReport extracts the severity counts from a stored
// report blob. Used as a fallback for rows whose severity column is
// missing or corrupt; gjson lets us pick the five counters without
// unmarshalling the whole report.
func severitySummaryFromReport(reportJSON string) map[string]int {
	summary := gjson.Get(reportJSON, "summary")
	return map[string]int{
		"critical": int(summary.Get("critical_count").Int()),
		"high":     int(summary.Get("high_count").Int()),
		"medium":   int(summary.Get("medium_count").Int()),
		"low":      int(summary.Get("low_count").Int()),
		"info":     int(summary.Get("info_count").Int()),
	}
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	"2006-01-02 15:04:05",     // SQLite default datetime format
	"2006-01-02T15:04:05Z",    // ISO 8601 with Z suffix
	"2006-01-02T15:04:05",     // ISO 8601 without timezone
	time.RFC3339,              // Full RFC3339 format
	time.RFC3339Nano,          // RFC3339 with nanoseconds
	"2006-01-02 15:04:05.999", // SQLite with milliseconds
}

// parseTimestamp attempts to parse a timestamp string using multiple formats.
// SQLite may return timestamps in different formats depending on configuration.
// If parsing fails with all formats, returns zero time.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	// Return zero time if no format matches
	// This is a fallback to avoid breaking functionality for edge cases
	return time.Time{}
}
