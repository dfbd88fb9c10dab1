// Package antivirus scans message bodies with an external virus scanner
// before they are queued.
package antivirus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrScanFailed   = errors.New("scan failed")
	ErrNotConnected = errors.New("not connected to scanner")
)

// Scanner defines the interface that all virus scanners must satisfy
type Scanner interface {
	// Name returns the name of the scanner
	Name() string

	// Scan checks a complete message
	Scan(ctx context.Context, data []byte) (*ScanResult, error)

	// Ping checks that the scanner is reachable
	Ping(ctx context.Context) error
}

// ScanResult represents the result of a virus scan
type ScanResult struct {
	Engine     string
	Clean      bool
	Infections []string
	// Skipped is set when the message exceeded the size limit
	Skipped  bool
	Size     int64
	Duration time.Duration
}

// Config represents the configuration for a scanner
type Config struct {
	Type string
	// Address is unix:/path, tcp://host:port or host:port
	Address string
	Timeout time.Duration
	// MaxSize skips messages larger than this; 0 scans everything
	MaxSize int64
	// ChunkSize is the INSTREAM chunk length
	ChunkSize int
}

// Factory creates scanner instances based on configuration
func Factory(config Config) (Scanner, error) {
	switch config.Type {
	case "clamav", "":
		return NewClamAV(config)
	default:
		return nil, fmt.Errorf("unsupported scanner type: %s", config.Type)
	}
}
