// Package nativecap declares the contract the native capture backends
// implement: display enumeration, stream construction and teardown, frame
// delivery and the stream-level hooks. The capture package drives these
// interfaces; the platform bindings under internal/sckit and
// internal/shotgrab satisfy them.
package nativecap

import (
	"context"
	"errors"
	"unsafe"

	"github.com/frameloop/capturebridge/internal/cvbuf"
)

var (
	ErrNotSupported     = errors.New("operation is not supported by this capture backend")
	ErrStillUnsupported = errors.New("single-frame capture is not supported by this capture backend")
	ErrStreamClosed     = errors.New("capture stream is closed")
)

// FourCC identifies a native pixel buffer layout.
type FourCC uint32

const (
	// FourCCBGRA is packed 8-bit BGRA, the convertible intermediate format.
	FourCCBGRA FourCC = 0x42475241 // 'BGRA'
	// FourCCNV12 is bi-planar 4:2:0 8-bit video range ('420v').
	FourCCNV12 FourCC = 0x34323076
	// FourCCP010 is bi-planar 4:2:0 10-bit video range ('x420').
	FourCCP010 FourCC = 0x78343230
)

// String renders the four character code the way capture frameworks print it.
func (f FourCC) String() string {
	return string([]byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)})
}

// Display is one attachable capture source with a stable identifier and a
// human-readable name.
type Display struct {
	ID     uint32
	Name   string
	Width  int
	Height int
}

// StreamConfig fixes the parameters a stream is constructed with.
type StreamConfig struct {
	DisplayID   uint32
	Width       int
	Height      int
	FrameRate   int
	PixelFormat FourCC
	ShowsCursor bool
	HDR         bool
}

// Frame is one delivered native buffer. The handles are borrowed for the
// duration of the delivery callback; a receiver that outlives the callback
// must wrap them in cvbuf refs before returning.
type Frame struct {
	Sample        cvbuf.Handle
	Pixel         cvbuf.Handle
	Data          unsafe.Pointer
	Width         int
	Height        int
	RowPitch      int
	BytesPerPixel int
}

// Hooks carries the delivery callbacks registered on a stream. OnFrame runs
// on the backend's worker context, strictly serialized; returning false
// tells the backend to stop the stream. OnError reports a terminal stream
// failure, after which no further frames are delivered.
type Hooks struct {
	OnFrame func(*Frame) bool
	OnError func(error)
}

// Stream is one armed native capture stream.
type Stream interface {
	// Start arms the stream. It returns once the backend confirms delivery
	// is running or the context expires, whichever comes first.
	Start(ctx context.Context) error
	// Stop tears the stream down. Idempotent; pending deliveries finish
	// or are discarded before Stop returns.
	Stop() error
	// SetResolution renegotiates the delivered frame size.
	SetResolution(width, height int) error
	// SetPixelFormat renegotiates the delivered pixel layout. Backends
	// that cannot deliver the requested layout return ErrNotSupported.
	SetPixelFormat(f FourCC) error
	// HDRActive reports whether the stream is currently negotiated in an
	// HDR color path.
	HDRActive() bool
}

// Provider is one platform capture backend.
type Provider interface {
	// Displays enumerates the active capture sources in stable order.
	Displays() ([]Display, error)
	// PermissionGranted reports whether the OS authorizes screen capture
	// for this process without touching the capture path itself.
	PermissionGranted() bool
	// OpenStream constructs a stream bound to cfg. The stream is not
	// armed until Start is called.
	OpenStream(cfg StreamConfig, hooks Hooks) (Stream, error)
	// CaptureStill grabs a single frame without a running stream, or
	// reports ErrStillUnsupported. The returned frame's handles carry one
	// reference owned by the caller.
	CaptureStill(displayID uint32) (*Frame, error)
}
