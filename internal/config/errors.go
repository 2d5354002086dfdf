package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() and provide specific
// information about what is wrong with the configuration.
//
// Design decision: We use package-level sentinel errors rather than
// creating new error instances in Validate(). This allows callers to use
// errors.Is() for programmatic error handling while still providing
// human-readable messages. Using errors.New() here rather than fmt.Errorf()
// because we don't need to include dynamic values in these messages.
var (
	// ErrNoTarget is returned when no scan target is specified.
	// This error occurs when no positional argument provides a target.
	ErrNoTarget = errors.New("no target specified: provide \"live\" or a snapshot file path")

	// ErrInvalidTimeout is returned when the scan timeout is not positive.
	// A timeout of zero or negative would cancel the walk immediately.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	// A batch size of zero would mean no concurrent scans, effectively
	// stopping the scanning process.
	ErrInvalidBatchSize = errors.New("invalid batch size: must be positive")

	// ErrInvalidPageblockOrder is returned when the pageblock order falls
	// outside the supported range of 1 through 12.
	ErrInvalidPageblockOrder = errors.New("invalid pageblock order: must be between 1 and 12")

	// ErrBoundaryBeyondMax is returned when the fast-path boundary PFN
	// lies above the scan cap, which would leave nothing to fast-path.
	ErrBoundaryBeyondMax = errors.New("invalid boundary pfn: exceeds --max-pfn")

	// ErrConflictingReportFormats is returned when both --json and --markdown
	// are specified. Only one output format can be used at a time.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")
)
