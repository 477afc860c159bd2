// Package cvbuf wraps reference-counted native capture buffers in explicit
// ownership types. A wrapper acquires one native reference on construction
// and gives it back on Release; a raw handle is never stored without one.
package cvbuf

import "unsafe"

// Handle is one native reference-counted object, typically a capture sample
// or a pixel buffer owned by the OS capture framework.
type Handle interface {
	// Retain increments the native reference count.
	Retain()
	// Release decrements the native reference count. The object may be
	// recycled by the native buffer pool once the count reaches zero.
	Release()
	// Pointer returns the raw native handle for FFI consumers.
	Pointer() unsafe.Pointer
}

type ref struct {
	h Handle
}

func (r *ref) acquire(h Handle) {
	h.Retain()
	r.h = h
}

func (r *ref) release() {
	if r.h == nil {
		return
	}
	r.h.Release()
	r.h = nil
}

// SampleRef owns one native capture sample for its lifetime.
type SampleRef struct {
	ref
}

// NewSampleRef takes shared ownership of the delivered sample handle.
func NewSampleRef(h Handle) *SampleRef {
	if h == nil {
		return nil
	}
	r := &SampleRef{}
	r.acquire(h)
	return r
}

// Clone adds another owner for the same sample.
func (r *SampleRef) Clone() *SampleRef {
	if r == nil || r.h == nil {
		return nil
	}
	return NewSampleRef(r.h)
}

// Release drops this owner's reference. Safe on nil and after a prior
// Release; only the first call touches the native count.
func (r *SampleRef) Release() {
	if r == nil {
		return
	}
	r.release()
}

// Handle returns the wrapped handle, or nil after Release.
func (r *SampleRef) Handle() Handle {
	if r == nil {
		return nil
	}
	return r.h
}

// PixelRef owns one native pixel buffer extracted from a sample.
type PixelRef struct {
	ref
}

// NewPixelRef takes shared ownership of the delivered pixel buffer handle.
func NewPixelRef(h Handle) *PixelRef {
	if h == nil {
		return nil
	}
	r := &PixelRef{}
	r.acquire(h)
	return r
}

// Clone adds another owner for the same pixel buffer.
func (r *PixelRef) Clone() *PixelRef {
	if r == nil || r.h == nil {
		return nil
	}
	return NewPixelRef(r.h)
}

// Release drops this owner's reference. Safe on nil and after a prior Release.
func (r *PixelRef) Release() {
	if r == nil {
		return
	}
	r.release()
}

// Handle returns the wrapped handle, or nil after Release.
func (r *PixelRef) Handle() Handle {
	if r == nil {
		return nil
	}
	return r.h
}

// Pointer returns the raw native pixel buffer handle, or nil after Release.
func (r *PixelRef) Pointer() unsafe.Pointer {
	if r == nil || r.h == nil {
		return nil
	}
	return r.h.Pointer()
}

// RetainGuard holds a temporary third reference to an Image's previous
// sample, pixel buffer and data pointer while its fields are overwritten
// with the next frame. Construct it before touching any field and Release
// it only after every field carries the new state; the bracketing is what
// keeps the old buffer alive across the swap without leaking it afterwards.
type RetainGuard struct {
	sample   *SampleRef
	pixel    *PixelRef
	data     unsafe.Pointer
	released bool
}

// NewRetainGuard snapshots joint ownership of the previous frame state.
// Nil refs are fine; the first frame of a session has nothing to guard.
func NewRetainGuard(sample *SampleRef, pixel *PixelRef, data unsafe.Pointer) *RetainGuard {
	return &RetainGuard{
		sample: sample.Clone(),
		pixel:  pixel.Clone(),
		data:   data,
	}
}

// Release drops the guarded references. This is the earliest point at which
// the previous buffer may return to the native pool. Idempotent.
func (g *RetainGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.sample.Release()
	g.pixel.Release()
	g.sample = nil
	g.pixel = nil
	g.data = nil
}
