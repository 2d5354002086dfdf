package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmemlab/fragscan/internal/config"
	"github.com/kmemlab/fragscan/internal/kcore"
	"github.com/kmemlab/fragscan/internal/model"
	"github.com/kmemlab/fragscan/internal/scanner"
)

// SourceOpener opens a kcore.Source for a target name.
// The target is either config.LiveTarget or a snapshot file path.
type SourceOpener func(target string) (kcore.Source, error)

// DefaultSourceOpener opens the running kernel for the live target and a
// snapshot file for anything else.
func DefaultSourceOpener(target string) (kcore.Source, error) {
	if target == config.LiveTarget {
		return kcore.NewProcSource()
	}
	return kcore.OpenSnapshot(target)
}

// WalkStep performs the page walk on the target image.
// It opens the image source, runs the block-by-block classification, and
// closes the source again. All walk results land in the report.
//
// Design decision: The walk owns the source lifetime rather than receiving
// an open source because:
// 1. A batch run opens many snapshots; tying open/close to the step keeps
//    at most BatchSize files open at a time
// 2. Open failures (missing root, truncated snapshot) become ordinary step
//    errors with the usual logging
// 3. Steps stay self-contained and reorderable
type WalkStep struct {
	// opener maps the target name to an image source.
	opener SourceOpener

	// scanOpts configure the scanner for this walk.
	scanOpts []scanner.Option

	// logger for structured logging.
	logger *slog.Logger
}

// WalkStepOption configures a WalkStep.
type WalkStepOption func(*WalkStep)

// WithWalkSourceOpener replaces the source opener.
// Tests use this to scan in-memory images.
func WithWalkSourceOpener(opener SourceOpener) WalkStepOption {
	return func(s *WalkStep) {
		s.opener = opener
	}
}

// WithWalkScannerOptions sets the scanner options for the walk.
func WithWalkScannerOptions(opts ...scanner.Option) WalkStepOption {
	return func(s *WalkStep) {
		s.scanOpts = opts
	}
}

// WithWalkLogger sets a custom logger for the walk step.
func WithWalkLogger(logger *slog.Logger) WalkStepOption {
	return func(s *WalkStep) {
		s.logger = logger
	}
}

// NewWalkStep creates a new page walk step.
func NewWalkStep(opts ...WalkStepOption) *WalkStep {
	s := &WalkStep{
		opener: DefaultSourceOpener,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the step name.
func (s *WalkStep) Name() string {
	return "page_walk"
}

// Do executes the page walk step.
func (s *WalkStep) Do(ctx context.Context, report *model.ScanReport) error {
	src, err := s.opener(report.Target)
	if err != nil {
		return fmt.Errorf("open image source: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			s.logger.Warn("closing image source failed",
				"target", report.Target,
				"error", cerr,
			)
		}
	}()

	start := time.Now()
	scanOpts := append([]scanner.Option{scanner.WithLogger(s.logger)}, s.scanOpts...)
	err = scanner.New(scanOpts...).Scan(ctx, src, report)
	report.Elapsed = time.Since(start)

	// A cancelled walk is not a step failure: the partial tallies are
	// still worth grading and reporting. The report carries TimedOut.
	if err != nil && report.TimedOut {
		s.logger.Warn("page walk cancelled",
			"target", report.Target,
			"elapsed", report.Elapsed,
		)
		return nil
	}

	return err
}

// GradeStep derives severity-graded findings from the walk results.
//
// Design decision: Grading is a separate step because:
// 1. It operates purely on accumulated data from the walk
// 2. Thresholds are configurable per target
// 3. The capture path runs the walk without grading
type GradeStep struct {
	// thresholds are the grading cut-offs.
	thresholds scanner.Thresholds

	// logger for structured logging.
	logger *slog.Logger
}

// GradeStepOption configures a GradeStep.
type GradeStepOption func(*GradeStep)

// WithGradeThresholds overrides the default grading thresholds.
func WithGradeThresholds(th scanner.Thresholds) GradeStepOption {
	return func(s *GradeStep) {
		s.thresholds = th
	}
}

// WithGradeLogger sets a custom logger for the grade step.
func WithGradeLogger(logger *slog.Logger) GradeStepOption {
	return func(s *GradeStep) {
		s.logger = logger
	}
}

// NewGradeStep creates a new grading step.
func NewGradeStep(opts ...GradeStepOption) *GradeStep {
	s := &GradeStep{
		thresholds: scanner.DefaultThresholds(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the step name.
func (s *GradeStep) Name() string {
	return "grade"
}

// Do executes the grading step.
func (s *GradeStep) Do(_ context.Context, report *model.ScanReport) error {
	// Grading a failed walk would produce misleading all-clear findings.
	if report.Error != nil {
		s.logger.Debug("skipping grading, walk failed", "target", report.Target)
		return nil
	}

	scanner.Grade(report, s.thresholds)

	s.logger.Info("grading completed",
		"target", report.Target,
		"findings_count", len(report.Findings),
	)

	return nil
}

// SummarizeStep condenses the report into its headline summary.
type SummarizeStep struct {
	// logger for structured logging.
	logger *slog.Logger
}

// SummarizeStepOption configures a SummarizeStep.
type SummarizeStepOption func(*SummarizeStep)

// WithSummarizeLogger sets a custom logger for the summarize step.
func WithSummarizeLogger(logger *slog.Logger) SummarizeStepOption {
	return func(s *SummarizeStep) {
		s.logger = logger
	}
}

// NewSummarizeStep creates a new summarize step.
func NewSummarizeStep(opts ...SummarizeStepOption) *SummarizeStep {
	s := &SummarizeStep{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the step name.
func (s *SummarizeStep) Name() string {
	return "summarize"
}

// Do executes the summarize step.
func (s *SummarizeStep) Do(_ context.Context, report *model.ScanReport) error {
	report.Summary = model.NewSummary(report)
	return nil
}

// DefaultPipelineConfig holds configuration for the default pipeline.
type DefaultPipelineConfig struct {
	// Opener maps target names to image sources.
	Opener SourceOpener

	// ScannerOptions configure the page walk.
	ScannerOptions []scanner.Option

	// Thresholds are the grading cut-offs.
	Thresholds scanner.Thresholds
}

// DefaultPipelineOption configures a DefaultPipelineConfig.
type DefaultPipelineOption func(*DefaultPipelineConfig)

// WithPipelineSourceOpener replaces the source opener for the walk step.
func WithPipelineSourceOpener(opener SourceOpener) DefaultPipelineOption {
	return func(c *DefaultPipelineConfig) {
		c.Opener = opener
	}
}

// WithPipelineScannerOptions sets the scanner options for the walk step.
func WithPipelineScannerOptions(opts ...scanner.Option) DefaultPipelineOption {
	return func(c *DefaultPipelineConfig) {
		c.ScannerOptions = opts
	}
}

// WithPipelineThresholds sets the grading thresholds.
func WithPipelineThresholds(th scanner.Thresholds) DefaultPipelineOption {
	return func(c *DefaultPipelineConfig) {
		c.Thresholds = th
	}
}

// DefaultPipeline creates a pipeline with all default steps configured:
// page walk, grading, and summary generation.
//
// Design decision: We provide a default pipeline because:
// 1. Most users want the full walk-grade-summarize sequence
// 2. Reduces boilerplate in CLI
// 3. Ensures consistent ordering
//
// The first variadic parameter accepts pipeline options (WithLogger, etc).
// The second accepts pipeline config options (WithPipelineScannerOptions, etc).
func DefaultPipeline(logger *slog.Logger, pipelineOpts []Option, configOpts ...DefaultPipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := New(append([]Option{WithLogger(logger)}, pipelineOpts...)...)

	cfg := &DefaultPipelineConfig{
		Opener:     DefaultSourceOpener,
		Thresholds: scanner.DefaultThresholds(),
	}
	for _, opt := range configOpts {
		opt(cfg)
	}

	p.AddSteps(
		NewWalkStep(
			WithWalkSourceOpener(cfg.Opener),
			WithWalkScannerOptions(cfg.ScannerOptions...),
			WithWalkLogger(logger),
		),
		NewGradeStep(
			WithGradeThresholds(cfg.Thresholds),
			WithGradeLogger(logger),
		),
		NewSummarizeStep(
			WithSummarizeLogger(logger),
		),
	)

	return p
}
