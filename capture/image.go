package capture

import (
	"unsafe"

	"github.com/frameloop/capturebridge/internal/cvbuf"
)

// Image is the consumer-visible frame descriptor. Between hand-offs it is
// exclusively owned by the consumer; the session never touches it while the
// consumer holds it. Data always points into the buffer owned by the
// currently-installed pixel wrapper; the pointer and the wrappers are
// swapped as a unit by the hand-off protocol.
type Image struct {
	Width      int
	Height     int
	RowPitch   int
	PixelPitch int
	Data       unsafe.Pointer

	sample *cvbuf.SampleRef
	pixel  *cvbuf.PixelRef
}

// Bytes exposes the current frame's pixel data as a slice of RowPitch*Height
// bytes. The slice aliases the native buffer and is valid only while the
// consumer holds the Image.
func (i *Image) Bytes() []byte {
	if i == nil || i.Data == nil || i.RowPitch <= 0 || i.Height <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(i.Data), i.RowPitch*i.Height)
}

// Bound reports whether the Image currently owns a native buffer.
func (i *Image) Bound() bool {
	return i != nil && i.pixel != nil
}

// NativePixelBuffer returns the raw native pixel buffer handle backing the
// current frame, for FFI consumers, or nil when unbound.
func (i *Image) NativePixelBuffer() unsafe.Pointer {
	if i == nil {
		return nil
	}
	return i.pixel.Pointer()
}

// Release returns the Image's native buffers to the capture framework and
// leaves it unbound. The frame pool calls this when reclaiming an Image; it
// is safe on an unbound Image.
func (i *Image) Release() {
	if i == nil {
		return
	}
	i.sample.Release()
	i.pixel.Release()
	i.sample = nil
	i.pixel = nil
	i.Data = nil
	i.RowPitch = 0
	i.PixelPitch = 0
}

// install overwrites the Image with the next frame's state. The caller must
// hold a RetainGuard over the previous state before calling and release it
// only afterwards; install itself drops the Image's own references to the
// replaced buffers as part of the overwrite.
func (i *Image) install(sample *cvbuf.SampleRef, pixel *cvbuf.PixelRef, data unsafe.Pointer, width, height, rowPitch, pixelPitch int) {
	oldSample, oldPixel := i.sample, i.pixel

	i.sample = sample
	i.pixel = pixel
	i.Data = data
	i.Width = width
	i.Height = height
	i.RowPitch = rowPitch
	i.PixelPitch = pixelPitch

	oldSample.Release()
	oldPixel.Release()
}

// guard snapshots joint ownership of the Image's current state.
func (i *Image) guard() *cvbuf.RetainGuard {
	return cvbuf.NewRetainGuard(i.sample, i.pixel, i.Data)
}
