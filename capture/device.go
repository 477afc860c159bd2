package capture

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/cvbuf"
	"github.com/frameloop/capturebridge/internal/nativecap"
)

// HWFrame is the encoder's input picture. On the zero-copy path it holds a
// reference to the native pixel buffer of the last converted Image; on the
// copy path it holds a CPU staging buffer the encoder reads from.
type HWFrame struct {
	Width  int
	Height int

	// Staging is the copy path's CPU-side buffer, row-packed at Pitch
	// bytes per row. Nil on the zero-copy path.
	Staging []byte
	Pitch   int

	native *cvbuf.PixelRef
}

// NativeBuffer returns the bound native pixel buffer handle for the
// hardware encoder, or nil when no frame has been bound.
func (f *HWFrame) NativeBuffer() unsafe.Pointer {
	if f == nil {
		return nil
	}
	return f.native.Pointer()
}

// Release drops the frame's native binding, if any.
func (f *HWFrame) Release() {
	if f == nil {
		return
	}
	f.native.Release()
	f.native = nil
}

// EncodeDevice adapts the session's frames to the encoder's input frame.
// SetFrame installs the encoder's frame holder; Convert is called once per
// captured Image to populate it.
type EncodeDevice interface {
	SetFrame(f *HWFrame) error
	Convert(img *Image) error
	// ZeroCopy reports whether Convert binds native buffers by reference
	// instead of copying pixel data.
	ZeroCopy() bool
	Close() error
}

// MakeEncodeDevice selects the device for the requested pixel format.
//
// Bi-planar formats the native stream can deliver directly (nv12, p010)
// yield a zero-copy device: the stream is renegotiated to the matching
// native layout and every captured buffer is bound to the encoder frame by
// reference. The CPU-normalized planar format (yuv420p) yields a standard
// device over a BGRA intermediate, copying each frame into the staging
// buffer for downstream conversion. Anything else is unsupported.
func (s *Session) MakeEncodeDevice(requested PixelFormat) (EncodeDevice, error) {
	switch requested {
	case FormatYUV420P:
		if err := s.setStreamPixelFormat(nativecap.FourCCBGRA); err != nil {
			return nil, err
		}
		s.log.Debug("encode device selected",
			zap.Stringer("requested", requested),
			zap.String("path", "convert"))
		return &standardDevice{sess: s}, nil

	case FormatNV12, FormatP010:
		native := nativecap.FourCCNV12
		if requested == FormatP010 {
			native = nativecap.FourCCP010
		}
		if err := s.setStreamPixelFormat(native); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, requested, err)
		}
		s.log.Debug("encode device selected",
			zap.Stringer("requested", requested),
			zap.Stringer("native", native),
			zap.String("path", "zero-copy"))
		return &zeroCopyDevice{sess: s, resolutionFn: s.setResolution}, nil

	default:
		s.log.Warn("unsupported pixel format", zap.Stringer("requested", requested))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, requested)
	}
}

// zeroCopyDevice binds captured native buffers straight into the encoder
// frame. Each bind retains the new pixel buffer and releases the previous
// binding; no pixel data is touched.
type zeroCopyDevice struct {
	sess         *Session
	frame        *HWFrame
	resolutionFn func(width, height int) error
}

func (d *zeroCopyDevice) SetFrame(f *HWFrame) error {
	if f == nil {
		return fmt.Errorf("%w: nil encoder frame", ErrInvalidConfig)
	}
	d.frame = f
	// Encoder-driven resolution changes flow back into the session.
	return d.resolutionFn(f.Width, f.Height)
}

func (d *zeroCopyDevice) Convert(img *Image) error {
	if d.frame == nil {
		return fmt.Errorf("%w: no encoder frame installed", ErrInvalidConfig)
	}
	if img == nil || img.pixel == nil {
		return ErrNoBuffer
	}

	prev := d.frame.native
	d.frame.native = img.pixel.Clone()
	prev.Release()

	d.frame.Width = img.Width
	d.frame.Height = img.Height
	return nil
}

func (d *zeroCopyDevice) ZeroCopy() bool { return true }

func (d *zeroCopyDevice) Close() error {
	if d.frame != nil {
		d.frame.Release()
		d.frame = nil
	}
	return nil
}

// standardDevice is the copy path: each captured frame's rows are copied
// into the encoder frame's staging buffer. Downstream format conversion is
// the encoder pipeline's concern; the device only guarantees a packed,
// CPU-addressable copy of the BGRA intermediate.
type standardDevice struct {
	sess   *Session
	frame  *HWFrame
	copies atomic.Uint64
}

func (d *standardDevice) SetFrame(f *HWFrame) error {
	if f == nil {
		return fmt.Errorf("%w: nil encoder frame", ErrInvalidConfig)
	}
	d.frame = f
	return nil
}

func (d *standardDevice) Convert(img *Image) error {
	if d.frame == nil {
		return fmt.Errorf("%w: no encoder frame installed", ErrInvalidConfig)
	}
	if img == nil || !img.Bound() {
		return ErrNoBuffer
	}

	src := img.Bytes()
	if src == nil {
		return ErrNoBuffer
	}

	packed := img.Width * img.PixelPitch
	need := packed * img.Height
	if cap(d.frame.Staging) < need {
		d.frame.Staging = make([]byte, need)
	}
	d.frame.Staging = d.frame.Staging[:need]
	d.frame.Pitch = packed
	d.frame.Width = img.Width
	d.frame.Height = img.Height

	if packed == img.RowPitch {
		copy(d.frame.Staging, src)
	} else {
		for row := 0; row < img.Height; row++ {
			copy(d.frame.Staging[row*packed:(row+1)*packed], src[row*img.RowPitch:row*img.RowPitch+packed])
		}
	}
	d.copies.Add(1)
	return nil
}

func (d *standardDevice) ZeroCopy() bool { return false }

func (d *standardDevice) Close() error { return nil }

// Copies reports how many frames went through the CPU copy.
func (d *standardDevice) Copies() uint64 { return d.copies.Load() }
