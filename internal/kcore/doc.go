// Package kcore provides access to physical memory page metadata.
//
// A Source exposes a kernel memory image one page frame at a time: the
// running kernel through the procfs page map files, or a previously
// captured snapshot file for offline analysis. The scanner walks a Source
// without caring which host backs it.
//
// All sources are read-only. Nothing in this package ever mutates the
// inspected image.
package kcore
