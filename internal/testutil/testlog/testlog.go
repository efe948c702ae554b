package testlog

import (
	"testing"

	"github.com/Cifrazia/cats-go/internal/logging"
)

// Start configures the package-wide test logger once and records which
// test triggered it, so failures have a breadcrumb in -v output.
func Start(t *testing.T) {
	t.Helper()
	logger := logging.ConfigureTests()
	logger.Info().Str("test", t.Name()).Msg("start")
}
