package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

// fakeHandle is a reference-counted buffer standing in for a native capture
// object. It tracks liveness so tests can probe the swap ordering.
type fakeHandle struct {
	name string
	data []byte

	mu    sync.Mutex
	count int
	freed bool

	onRelease func(remaining int)
}

func newFakeHandle(name string, size int) *fakeHandle {
	// Count starts at one: the delivery reference owned by the backend.
	return &fakeHandle{name: name, data: make([]byte, size), count: 1}
}

func (h *fakeHandle) Retain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		panic(fmt.Sprintf("retain after free: %s", h.name))
	}
	h.count++
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	if h.freed {
		h.mu.Unlock()
		panic(fmt.Sprintf("double free: %s", h.name))
	}
	h.count--
	remaining := h.count
	if remaining <= 0 {
		h.freed = true
	}
	cb := h.onRelease
	h.mu.Unlock()
	if cb != nil {
		cb(remaining)
	}
}

func (h *fakeHandle) Pointer() unsafe.Pointer {
	if len(h.data) == 0 {
		return unsafe.Pointer(h)
	}
	return unsafe.Pointer(&h.data[0])
}

func (h *fakeHandle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.freed
}

func (h *fakeHandle) refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// fakeDelivery is one backend-delivered frame plus its handle probes.
type fakeDelivery struct {
	frame  *nativecap.Frame
	sample *fakeHandle
	pixel  *fakeHandle
}

func newFakeDelivery(width, height, rowPitch, bytesPerPixel int) *fakeDelivery {
	sample := newFakeHandle("sample", 0)
	pixel := newFakeHandle("pixel", rowPitch*height)
	return &fakeDelivery{
		frame: &nativecap.Frame{
			Sample:        sample,
			Pixel:         pixel,
			Data:          pixel.Pointer(),
			Width:         width,
			Height:        height,
			RowPitch:      rowPitch,
			BytesPerPixel: bytesPerPixel,
		},
		sample: sample,
		pixel:  pixel,
	}
}

// releaseDelivery balances the backend's delivery references after the
// frame callback returned, the way a real backend recycles its buffers.
func (d *fakeDelivery) releaseDelivery() {
	d.frame.Sample.Release()
	d.frame.Pixel.Release()
}

type fakeStream struct {
	cfg   nativecap.StreamConfig
	hooks nativecap.Hooks

	startErr   error
	startDelay time.Duration
	armed      chan struct{}
	stopped    atomic.Bool

	mu          sync.Mutex
	formats     []nativecap.FourCC
	formatErr   error
	resolutions [][2]int
	hdr         bool
}

func newFakeStream(cfg nativecap.StreamConfig, hooks nativecap.Hooks) *fakeStream {
	return &fakeStream{cfg: cfg, hooks: hooks, armed: make(chan struct{})}
}

func (s *fakeStream) Start(ctx context.Context) error {
	if s.startDelay > 0 {
		select {
		case <-time.After(s.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.startErr != nil {
		return s.startErr
	}
	close(s.armed)
	return nil
}

func (s *fakeStream) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *fakeStream) SetResolution(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, [2]int{width, height})
	return nil
}

func (s *fakeStream) SetPixelFormat(f nativecap.FourCC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats = append(s.formats, f)
	return s.formatErr
}

func (s *fakeStream) HDRActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdr
}

// deliver runs the registered frame hook the way the backend's serialized
// worker would, balancing the delivery references afterwards.
func (s *fakeStream) deliver(d *fakeDelivery) bool {
	cont := s.hooks.OnFrame(d.frame)
	d.releaseDelivery()
	return cont
}

func (s *fakeStream) lastFormat() (nativecap.FourCC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.formats) == 0 {
		return 0, false
	}
	return s.formats[len(s.formats)-1], true
}

type fakeProvider struct {
	displays   []nativecap.Display
	permission bool
	still      func() (*nativecap.Frame, error)

	openErr         error
	configureStream func(*fakeStream)
	openCalls       atomic.Int32
	stillCalls      atomic.Int32

	mu      sync.Mutex
	streams []*fakeStream
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		displays: []nativecap.Display{
			{ID: 7, Name: "display-a", Width: 64, Height: 48},
			{ID: 9, Name: "display-b", Width: 128, Height: 96},
		},
		permission: true,
	}
}

func (p *fakeProvider) Displays() ([]nativecap.Display, error) {
	return p.displays, nil
}

func (p *fakeProvider) PermissionGranted() bool {
	return p.permission
}

func (p *fakeProvider) CaptureStill(displayID uint32) (*nativecap.Frame, error) {
	p.stillCalls.Add(1)
	if p.still == nil {
		return nil, nativecap.ErrStillUnsupported
	}
	return p.still()
}

func (p *fakeProvider) OpenStream(cfg nativecap.StreamConfig, hooks nativecap.Hooks) (nativecap.Stream, error) {
	p.openCalls.Add(1)
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := newFakeStream(cfg, hooks)
	if p.configureStream != nil {
		p.configureStream(s)
	}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// waitStream blocks until the nth opened stream is armed and returns it.
func (p *fakeProvider) waitStream(n int) *fakeStream {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.streams) > n {
			s := p.streams[n]
			p.mu.Unlock()
			<-s.armed
			return s
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return nil
}

func newTestSession(p *fakeProvider) (*Session, error) {
	return openSession(p, MemorySystem, "", Config{})
}
