package config

// TargetConfig holds target-specific configuration for a single scan target.
// This allows pinning the scan geometry of a recurring target, for example
// the movable-zone boundary of a specific machine.
type TargetConfig struct {
	// MaxPFN caps the walk for this target. Zero means no cap.
	MaxPFN uint64 `yaml:"maxPFN,omitempty"`

	// BoundaryPFN enables the fast path for this target.
	// Zero means no fast path.
	BoundaryPFN uint64 `yaml:"boundaryPFN,omitempty"`

	// PageblockOrder overrides the global pageblock order for this target.
	// If zero, the global PageblockOrder is used.
	PageblockOrder int `yaml:"pageblockOrder,omitempty"`

	// WarnUnmovablePercent overrides the medium-severity grading
	// threshold. Zero means use the default.
	WarnUnmovablePercent float64 `yaml:"warnUnmovablePercent,omitempty"`

	// HighUnmovablePercent overrides the high-severity grading threshold.
	// Zero means use the default.
	HighUnmovablePercent float64 `yaml:"highUnmovablePercent,omitempty"`

	// CriticalUnmovablePercent overrides the critical-severity grading
	// threshold. Zero means use the default.
	CriticalUnmovablePercent float64 `yaml:"criticalUnmovablePercent,omitempty"`
}

// File represents the structure of the .fragscan configuration file.
type File struct {
	// Targets maps target names to their specific configurations.
	// Keys are either "live" or a snapshot file path as given on the
	// command line.
	Targets map[string]TargetConfig `yaml:"targets,omitempty"`

	// Defaults contains default target configuration applied to all
	// targets unless overridden in the target-specific configuration.
	Defaults TargetConfig `yaml:"defaults,omitempty"`
}

// GetTargetConfig returns the configuration for a specific target.
// It merges the target-specific configuration with defaults.
func (cf *File) GetTargetConfig(target string) TargetConfig {
	// Start with defaults
	result := cf.Defaults

	// Override with target-specific configuration if present
	if tc, ok := cf.Targets[target]; ok {
		if tc.MaxPFN != 0 {
			result.MaxPFN = tc.MaxPFN
		}
		if tc.BoundaryPFN != 0 {
			result.BoundaryPFN = tc.BoundaryPFN
		}
		if tc.PageblockOrder != 0 {
			result.PageblockOrder = tc.PageblockOrder
		}
		if tc.WarnUnmovablePercent != 0 {
			result.WarnUnmovablePercent = tc.WarnUnmovablePercent
		}
		if tc.HighUnmovablePercent != 0 {
			result.HighUnmovablePercent = tc.HighUnmovablePercent
		}
		if tc.CriticalUnmovablePercent != 0 {
			result.CriticalUnmovablePercent = tc.CriticalUnmovablePercent
		}
	}

	return result
}
