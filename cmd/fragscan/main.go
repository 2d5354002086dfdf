// Package main provides the entry point for the fragscan CLI.
//
// fragscan walks a physical-memory image, classifies every page as movable
// or unmovable, and reports how fragmented the machine's pageblocks are.
//
// Usage:
//
//	fragscan scan
//	fragscan scan snapshot.fragsnap
//	fragscan capture snapshot.fragsnap
//
// See --help for all available options.
package main

// main is the entry point for fragscan.
func main() {
	Execute()
}
