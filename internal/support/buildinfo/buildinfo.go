// Package buildinfo carries the version stamped into release binaries.
package buildinfo

// Version is overridden at build time via -ldflags.
var Version = "dev"
