//go:build darwin

package sckit

/*
#cgo CFLAGS: -x objective-c -fobjc-arc -mmacosx-version-min=12.3
#cgo LDFLAGS: -mmacosx-version-min=12.3 -framework Foundation -framework CoreGraphics -framework CoreMedia -framework CoreVideo -framework ScreenCaptureKit
#include "shim_darwin.h"
#include <stdlib.h>

extern bool sckitFrameGo(int id, void* sample, void* pixel, void* data, int width, int height, int rowPitch, int bytesPerPixel);
extern void sckitErrorGo(int id, char* message);
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

var (
	streamsMu sync.Mutex
	streams   = make(map[int]*stream)
	nextID    = 1
)

// cfHandle wraps one CoreFoundation object behind the refcounted handle
// contract. Retain/Release map to CFRetain/CFRelease.
type cfHandle struct {
	ptr unsafe.Pointer
}

func (h *cfHandle) Retain()  { C.CBRetain(h.ptr) }
func (h *cfHandle) Release() { C.CBRelease(h.ptr) }

func (h *cfHandle) Pointer() unsafe.Pointer { return h.ptr }

// Provider implements nativecap.Provider over ScreenCaptureKit.
type Provider struct {
	log *zap.Logger
}

// NewProvider constructs the ScreenCaptureKit provider.
func NewProvider(log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{log: log}
}

func (p *Provider) Displays() ([]nativecap.Display, error) {
	var raw [maxDisplays]C.CBDisplay
	n := int(C.CBCopyDisplays(&raw[0], C.int(maxDisplays)))
	if n < 0 {
		return nil, errors.New("shareable content enumeration failed")
	}

	displays := make([]nativecap.Display, 0, n)
	for i := 0; i < n; i++ {
		displays = append(displays, nativecap.Display{
			ID:     uint32(raw[i].displayID),
			Name:   C.GoString(&raw[i].name[0]),
			Width:  int(raw[i].width),
			Height: int(raw[i].height),
		})
	}
	return displays, nil
}

const maxDisplays = 16

func (p *Provider) PermissionGranted() bool {
	return bool(C.CBPreflightAccess())
}

func (p *Provider) CaptureStill(displayID uint32) (*nativecap.Frame, error) {
	var out C.CBFrame
	switch rc := C.CBCaptureStill(C.uint32_t(displayID), &out); rc {
	case 0:
	case -2:
		return nil, nativecap.ErrStillUnsupported
	default:
		return nil, fmt.Errorf("still capture failed (rc=%d)", int(rc))
	}
	// The shim hands the sample and pixel buffer over retained; the frame
	// handles own those references until the caller releases them.
	return &nativecap.Frame{
		Sample:        &cfHandle{ptr: out.sample},
		Pixel:         &cfHandle{ptr: out.pixel},
		Data:          out.data,
		Width:         int(out.width),
		Height:        int(out.height),
		RowPitch:      int(out.rowPitch),
		BytesPerPixel: int(out.bytesPerPixel),
	}, nil
}

func (p *Provider) OpenStream(cfg nativecap.StreamConfig, hooks nativecap.Hooks) (nativecap.Stream, error) {
	streamsMu.Lock()
	id := nextID
	nextID++
	s := &stream{id: id, hooks: hooks, log: p.log}
	streams[id] = s
	streamsMu.Unlock()

	ctrl := C.CBStreamCreate(
		C.int(id),
		C.uint32_t(cfg.DisplayID),
		C.int(cfg.Width),
		C.int(cfg.Height),
		C.int(cfg.FrameRate),
		C.uint32_t(cfg.PixelFormat),
		C.bool(cfg.ShowsCursor),
		C.bool(cfg.HDR),
		C.CBFrameCallback(C.sckitFrameGo),
		C.CBErrorCallback(C.sckitErrorGo),
	)
	if ctrl == nil {
		streamsMu.Lock()
		delete(streams, id)
		streamsMu.Unlock()
		return nil, fmt.Errorf("stream construction rejected for display %d", cfg.DisplayID)
	}
	s.ctrl = ctrl
	return s, nil
}

type stream struct {
	id    int
	ctrl  unsafe.Pointer
	hooks nativecap.Hooks
	log   *zap.Logger

	stopOnce sync.Once
}

func (s *stream) Start(ctx context.Context) error {
	// The shim confirms delivery via the stream's start completion
	// handler; the wait itself happens on a separate goroutine so the
	// bounded context stays in charge.
	result := make(chan error, 1)
	go func() {
		if rc := C.CBStreamStart(s.ctrl); rc != 0 {
			result <- fmt.Errorf("stream start rejected (rc=%d)", int(rc))
			return
		}
		result <- nil
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		streamsMu.Lock()
		delete(streams, s.id)
		streamsMu.Unlock()
		C.CBStreamStop(s.ctrl)
		C.CBStreamFree(s.ctrl)
	})
	return nil
}

func (s *stream) SetResolution(width, height int) error {
	if rc := C.CBStreamSetResolution(s.ctrl, C.int(width), C.int(height)); rc != 0 {
		return fmt.Errorf("resolution renegotiation rejected (rc=%d)", int(rc))
	}
	return nil
}

func (s *stream) SetPixelFormat(f nativecap.FourCC) error {
	if rc := C.CBStreamSetPixelFormat(s.ctrl, C.uint32_t(f)); rc != 0 {
		return fmt.Errorf("%w: %s delivery", nativecap.ErrNotSupported, f)
	}
	return nil
}

func (s *stream) HDRActive() bool {
	return bool(C.CBStreamHDRActive(s.ctrl))
}

//export sckitFrameGo
func sckitFrameGo(id C.int, sample, pixel, data unsafe.Pointer, width, height, rowPitch, bytesPerPixel C.int) C.bool {
	streamsMu.Lock()
	s, ok := streams[int(id)]
	streamsMu.Unlock()
	if !ok || s.hooks.OnFrame == nil {
		return C.bool(false)
	}

	// Handles are borrowed for the duration of the callback; the shim
	// balances the delivery references after this returns.
	f := &nativecap.Frame{
		Sample:        &cfHandle{ptr: sample},
		Pixel:         &cfHandle{ptr: pixel},
		Data:          data,
		Width:         int(width),
		Height:        int(height),
		RowPitch:      int(rowPitch),
		BytesPerPixel: int(bytesPerPixel),
	}
	return C.bool(s.hooks.OnFrame(f))
}

//export sckitErrorGo
func sckitErrorGo(id C.int, message *C.char) {
	streamsMu.Lock()
	s, ok := streams[int(id)]
	streamsMu.Unlock()
	if !ok {
		return
	}
	err := errors.New(C.GoString(message))
	s.log.Debug("stream error delivered", zap.Int("stream", int(id)), zap.Error(err))
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}
