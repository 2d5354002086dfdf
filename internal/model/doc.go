// Package model defines the data structures shared across fragscan.
// It contains the page classification taxonomy, per-pageblock statistics,
// the full scan report, and the summarized report with severity-graded
// findings.
package model
