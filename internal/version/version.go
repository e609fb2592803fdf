// Package version holds build metadata for the scx binary.
package version

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/smartcontrolx/scx/internal/version.VERSION=0.1.0 -X github.com/smartcontrolx/scx/internal/version.Commit=abc123" ./cmd/scx
var (
	VERSION = "dev"
	Commit  = "dev"
)
