// Package config provides configuration structures and utilities for fragscan.
// It defines the main configuration options for scan targets, walk geometry
// (pageblock order, PFN caps, the movable-boundary fast path), grading
// thresholds, and report generation preferences.
package config
