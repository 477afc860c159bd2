//go:build linux

package capture

import (
	"github.com/frameloop/capturebridge/internal/logging"
	"github.com/frameloop/capturebridge/internal/nativecap"
	"github.com/frameloop/capturebridge/internal/portal"
	"github.com/frameloop/capturebridge/internal/shotgrab"
)

// Linux target: direct display grabs, with the capture permission probe
// routed through the xdg-desktop-portal ScreenCast broker when one is
// running. Compositors without a portal gate capture themselves, so the
// probe passes there. VRAM sessions need a native zero-copy backend this
// platform does not have.
func newProvider(mem MemoryType) (nativecap.Provider, error) {
	if mem == MemoryVRAM {
		return nil, ErrNotImplemented
	}
	return shotgrab.New(logging.FromEnv(), shotgrab.WithPermissionCheck(func() bool {
		if !portal.Available() {
			return true
		}
		return portal.MonitorCaptureAllowed()
	})), nil
}
