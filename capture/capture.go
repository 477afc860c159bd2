// Package capture bridges an asynchronous native screen-capture source to a
// synchronous frame-consumption pipeline feeding a hardware video encoder.
// Delivered native buffers are handed across the callback boundary without
// copying pixel data; see Session.Capture for the hand-off discipline.
package capture

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

var (
	ErrNotImplemented    = errors.New("screen capture backend is not implemented on this platform")
	ErrNoDisplay         = errors.New("no matching capture display")
	ErrPermissionDenied  = errors.New("screen capture permission has not been granted")
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrInvalidConfig     = errors.New("invalid capture configuration")
	ErrNoBuffer          = errors.New("image is not bound to a native buffer")
	ErrSessionBusy       = errors.New("a capture call is already outstanding on this session")
)

// PixelFormat enumerates the frame layouts the encoder pipeline may request.
type PixelFormat int

const (
	// FormatYUV420P is CPU-normalized planar 4:2:0 8-bit in system memory.
	// No native backend delivers it directly; requesting it selects the
	// conversion path over a BGRA intermediate.
	FormatYUV420P PixelFormat = iota
	// FormatNV12 is native bi-planar 4:2:0 8-bit, consumable by the
	// hardware encoder with no copy.
	FormatNV12
	// FormatP010 is native bi-planar 4:2:0 10-bit, consumable by the
	// hardware encoder with no copy.
	FormatP010
)

func (f PixelFormat) String() string {
	switch f {
	case FormatYUV420P:
		return "yuv420p"
	case FormatNV12:
		return "nv12"
	case FormatP010:
		return "p010"
	default:
		return fmt.Sprintf("pixel_format(%d)", int(f))
	}
}

// MemoryType selects where the encoder expects frame data to live.
type MemoryType int

const (
	// MemorySystem requests frames addressable by the CPU.
	MemorySystem MemoryType = iota
	// MemoryVRAM requests frames bound to native buffers the hardware
	// encoder consumes directly.
	MemoryVRAM
)

func (m MemoryType) String() string {
	switch m {
	case MemorySystem:
		return "system"
	case MemoryVRAM:
		return "vram"
	default:
		return fmt.Sprintf("memory_type(%d)", int(m))
	}
}

// Status is the terminal result of a blocking Capture call.
type Status int

const (
	// StatusOK means the stream ended normally.
	StatusOK Status = iota
	// StatusStopped means the consumer or an explicit Stop ended the stream.
	StatusStopped
	// StatusTimeout means the native stream could not be armed in time.
	StatusTimeout
	// StatusError means the stream reported a terminal failure.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStopped:
		return "stopped"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PullFunc supplies a free Image for the next frame. Returning nil drops the
// frame and stops the stream.
type PullFunc func() *Image

// PushFunc hands a filled Image to the consumer together with whether the
// cursor is composited into it. The consumer owns the Image exclusively
// until it returns to the free pool. Returning false stops the stream.
type PushFunc func(img *Image, cursorVisible bool) bool

// Config fixes the parameters a session's stream is negotiated with.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	// HDR requests an HDR color path when the display supports one.
	HDR bool
	// Logger receives session logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

const defaultFrameRate = 60

func validateConfig(cfg Config) (Config, error) {
	if cfg.Width < 0 || cfg.Height < 0 {
		return cfg, fmt.Errorf("%w: dimensions must be >= 0", ErrInvalidConfig)
	}
	if cfg.FrameRate < 0 {
		return cfg, fmt.Errorf("%w: frame rate must be >= 0", ErrInvalidConfig)
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = defaultFrameRate
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg, nil
}

// Display opens a session attached to the named display, or to the first
// active display when name is empty. The session starts idle; no stream is
// armed until Capture or DummyImg runs.
func Display(mem MemoryType, name string, cfg Config) (*Session, error) {
	provider, err := newProvider(mem)
	if err != nil {
		return nil, err
	}
	return openSession(provider, mem, name, cfg)
}

// DisplayNames reports the active displays' human-readable names in stable
// enumeration order.
func DisplayNames(mem MemoryType) ([]string, error) {
	provider, err := newProvider(mem)
	if err != nil {
		return nil, err
	}
	displays, err := provider.Displays()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(displays))
	for _, d := range displays {
		names = append(names, d.Name)
	}
	return names, nil
}

// NeedsReenumeration reports whether renegotiating the stream pixel format
// invalidates the display list. It never does on the supported backends.
func NeedsReenumeration() bool {
	return false
}

func findDisplay(displays []nativecap.Display, name string) (nativecap.Display, bool) {
	if len(displays) == 0 {
		return nativecap.Display{}, false
	}
	if name == "" {
		return displays[0], true
	}
	for _, d := range displays {
		if d.Name == name {
			return d, true
		}
	}
	return nativecap.Display{}, false
}
