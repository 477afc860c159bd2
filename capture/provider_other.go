//go:build !darwin && !linux

package capture

import (
	"github.com/frameloop/capturebridge/internal/logging"
	"github.com/frameloop/capturebridge/internal/nativecap"
	"github.com/frameloop/capturebridge/internal/shotgrab"
)

// Remaining platforms get the portable grab backend; no OS broker gates
// screen capture there.
func newProvider(mem MemoryType) (nativecap.Provider, error) {
	if mem == MemoryVRAM {
		return nil, ErrNotImplemented
	}
	return shotgrab.New(logging.FromEnv()), nil
}
