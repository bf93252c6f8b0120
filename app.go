// Package loom identifies the application to logging and diagnostics
package loom

const (
	// Name is the service name reported in structured logs
	Name = "loom-engine"

	// Version is the reported build version
	Version = "1.0.0"
)
