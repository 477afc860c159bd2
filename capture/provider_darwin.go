//go:build darwin

package capture

import (
	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/logging"
	"github.com/frameloop/capturebridge/internal/nativecap"
	"github.com/frameloop/capturebridge/internal/sckit"
)

// macOS target: ScreenCaptureKit for both memory types. The memory type
// only steers encode-device selection; delivery always comes from the same
// native stream.
func newProvider(mem MemoryType) (nativecap.Provider, error) {
	log := logging.FromEnv().With(zap.Stringer("backend", mem))
	return sckit.NewProvider(log), nil
}
