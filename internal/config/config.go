package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
// These values match the behavior of the kernel's page allocator where
// applicable.
const (
	// DefaultPageblockOrder matches pageblock_order on virtually all
	// Linux configurations: 2^9 pages = 2MB blocks with 4KB pages.
	// Kernels built with unusual HUGETLB_PAGE_SIZE_VARIABLE settings may
	// need this overridden via the --pageblock-order CLI flag.
	DefaultPageblockOrder = 9

	// DefaultBatchSize of 4 concurrent scans balances throughput with
	// memory usage when processing multiple snapshot files. A full
	// snapshot of a large machine holds tens of millions of page records,
	// so high concurrency mostly trades memory for little speedup.
	DefaultBatchSize = 4

	// DefaultTimeout bounds a single scan. A live walk of a multi-TB
	// machine takes minutes, not hours; anything longer indicates a stuck
	// read on the proc interface.
	DefaultTimeout = 30 * time.Minute

	// AppName is the application name used for XDG directory paths.
	AppName = "fragscan"

	// LiveTarget is the target name that selects the running kernel via
	// the proc interface instead of a snapshot file.
	LiveTarget = "live"
)

// Config holds all configuration options for fragscan.
// This struct is designed to be populated from CLI flags and passed through
// the application via dependency injection rather than global state.
//
// Design decision: We use a single flat struct instead of nested structs
// (e.g., ScanConfig, ReportConfig) for simplicity. The number of options
// is manageable, and nesting would add complexity without significant benefit.
// If the configuration grows significantly, consider refactoring into sub-structs.
type Config struct {
	// Targets is the list of scan targets. Each entry is either the
	// literal "live" for the running kernel or a path to a snapshot file.
	Targets []string

	// Timeout bounds each individual scan. The walk is cancelled and the
	// partial result marked as timed out when it expires.
	Timeout time.Duration

	// MaxPFN caps the walk at the given page frame number. Zero means
	// scan the whole image. Useful for sampling the low gigabytes of a
	// large machine.
	MaxPFN uint64

	// BoundaryPFN enables the fast path: blocks at or above this PFN are
	// assumed fully movable and skipped. Zero disables the fast path.
	// On kernels with a movable-zone boundary this saves most of the walk.
	BoundaryPFN uint64

	// PageblockOrder is the log2 of the block size in pages.
	// Zero means use DefaultPageblockOrder.
	PageblockOrder int

	// DumpBlocks enables the per-block dump in the report output.
	// This lists every scanned block with its class tallies and is only
	// useful for small images or debugging.
	DumpBlocks bool

	// Verbose enables detailed log output using slog.LevelDebug.
	// When false, only warnings and errors are logged.
	Verbose bool

	// BatchSize is the number of concurrent scans when processing
	// multiple snapshot targets. The live target is never scanned
	// concurrently with itself.
	BatchSize int

	// ConfigFilePath is the path to the configuration file.
	// If empty, the tool searches for .fragscan in the current directory
	// and then in the user's home directory.
	ConfigFilePath string

	// TargetConfigs holds per-target configurations loaded from the
	// config file. This is populated by LoadConfigFile and used when
	// building scanner options.
	TargetConfigs *File

	// JSONReport enables JSON report output instead of human-readable format.
	// When true, outputs the full report structure as indented JSON.
	// When false, outputs a human-readable simple report (default).
	// Mutually exclusive with MarkdownReport.
	JSONReport bool

	// MarkdownReport enables Markdown report output instead of human-readable
	// format. When true, outputs GitHub Flavored Markdown with tables,
	// alerts, and pie charts.
	// Mutually exclusive with JSONReport.
	MarkdownReport bool

	// ReportFile is the output file path for the report.
	// When set, the report is written to this file instead of stdout.
	// Directories are created automatically if they don't exist.
	ReportFile string

	// DBDir is the directory path for storing the SQLite database.
	// When set, scan results are saved to the database for historical
	// comparison. Defaults to the XDG data directory.
	DBDir string

	// SaveToDB indicates whether to save scan results to the database.
	SaveToDB bool
}

// NewConfig creates a new Config with default values.
// All fields are set to safe, sensible defaults that work for most use cases.
// Users can override specific values after creation.
//
// Design decision: We use a constructor function instead of relying on
// zero values because several defaults are non-zero (batch size, timeout,
// pageblock order). This also serves as documentation of what the defaults are.
func NewConfig() *Config {
	return &Config{
		Timeout:        DefaultTimeout,
		PageblockOrder: DefaultPageblockOrder,
		BatchSize:      DefaultBatchSize,
	}
}

// XDGDataDir returns the XDG data directory for fragscan.
// This follows the XDG Base Directory Specification.
// On Linux: ~/.local/share/fragscan
// On macOS: ~/Library/Application Support/fragscan
// On Windows: %LOCALAPPDATA%\fragscan
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for fragscan.
// This follows the XDG Base Directory Specification.
// On Linux: ~/.config/fragscan
// On macOS: ~/Library/Application Support/fragscan
// On Windows: %APPDATA%\fragscan
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for fragscan.
// This follows the XDG Base Directory Specification.
// On Linux: ~/.cache/fragscan
// On macOS: ~/Library/Caches/fragscan
// On Windows: %LOCALAPPDATA%\fragscan\cache
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns a specific error describing what is invalid.
//
// Design decision: We validate at the config level rather than at each
// point of use to fail fast and provide clear error messages upfront.
// This is called once after CLI parsing, before any scanning begins.
//
// We chose to return the first error found rather than collecting all errors
// because fixing one error often makes others irrelevant.
func (c *Config) Validate() error {
	// We must have at least one target to scan
	if len(c.Targets) == 0 {
		return ErrNoTarget
	}

	// Timeout must be positive; zero timeout would cancel the walk
	// before the first block
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	// BatchSize must be positive; zero would mean no scanning
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	// Pageblock order must stay within the range the coalescing logic
	// supports. Order 0 (single pages) makes block statistics meaningless
	// and orders above 12 exceed any real pageblock_order.
	if c.PageblockOrder < 1 || c.PageblockOrder > 12 {
		return ErrInvalidPageblockOrder
	}

	// The fast-path boundary has to fall inside the scanned range.
	if c.MaxPFN > 0 && c.BoundaryPFN > c.MaxPFN {
		return ErrBoundaryBeyondMax
	}

	// JSONReport and MarkdownReport are mutually exclusive
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}

	return nil
}
