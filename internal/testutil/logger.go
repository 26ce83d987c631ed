package testutil

import (
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

// DiscardLogger returns a logger that drops everything. Use it in tests
// where log output would only add noise.
func DiscardLogger() log.Logger {
	return log.NewNop()
}
