// Package shotgrab is the portable capture backend. It paces
// github.com/kbinani/screenshot grabs at the configured frame rate and
// delivers them as reference-counted pooled buffers, so the consumer-side
// ownership discipline is identical to the native zero-copy backends even
// though the grab itself is a CPU copy.
package shotgrab

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

// Option configures a Provider.
type Option func(*Provider)

// WithPermissionCheck overrides the permission probe. The linux provider
// routes the desktop portal availability check through this.
func WithPermissionCheck(check func() bool) Option {
	return func(p *Provider) {
		p.permission = check
	}
}

// WithGrabber overrides the screen grab functions. Tests use this to run
// without a display server.
func WithGrabber(num func() int, bounds func(int) image.Rectangle, grab func(int) (*image.RGBA, error)) Option {
	return func(p *Provider) {
		p.numDisplays = num
		p.bounds = bounds
		p.grab = grab
	}
}

// Provider implements nativecap.Provider over display screenshots.
type Provider struct {
	log        *zap.Logger
	pool       *bufPool
	permission func() bool

	numDisplays func() int
	bounds      func(int) image.Rectangle
	grab        func(int) (*image.RGBA, error)
}

// New constructs the screenshot-backed provider.
func New(log *zap.Logger, opts ...Option) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		log:         log,
		pool:        newBufPool(),
		permission:  func() bool { return true },
		numDisplays: screenshot.NumActiveDisplays,
		bounds:      screenshot.GetDisplayBounds,
		grab:        screenshot.CaptureDisplay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Displays() ([]nativecap.Display, error) {
	n := p.numDisplays()
	displays := make([]nativecap.Display, 0, n)
	for i := 0; i < n; i++ {
		b := p.bounds(i)
		displays = append(displays, nativecap.Display{
			ID:     uint32(i),
			Name:   fmt.Sprintf("display-%d", i),
			Width:  b.Dx(),
			Height: b.Dy(),
		})
	}
	return displays, nil
}

func (p *Provider) PermissionGranted() bool {
	return p.permission()
}

func (p *Provider) CaptureStill(displayID uint32) (*nativecap.Frame, error) {
	img, err := p.grab(int(displayID))
	if err != nil {
		return nil, fmt.Errorf("still grab failed: %w", err)
	}
	// Both handles start with one reference owned by the caller.
	return p.frameFromImage(img), nil
}

func (p *Provider) OpenStream(cfg nativecap.StreamConfig, hooks nativecap.Hooks) (nativecap.Stream, error) {
	// Screenshots are packed 32-bit only; bi-planar layouts cannot be
	// delivered by this backend.
	if cfg.PixelFormat != nativecap.FourCCBGRA {
		return nil, fmt.Errorf("%w: %s delivery", nativecap.ErrNotSupported, cfg.PixelFormat)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate must be > 0, got %d", cfg.FrameRate)
	}
	return &stream{
		provider: p,
		cfg:      cfg,
		hooks:    hooks,
		done:     make(chan struct{}),
		log:      p.log,
	}, nil
}

// frameFromImage copies the grab into a pooled buffer and exposes it as a
// delivered native frame. The sample and pixel handles are two views of the
// same pooled buffer, each carrying one reference.
func (p *Provider) frameFromImage(img *image.RGBA) *nativecap.Frame {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	buf := p.pool.get(img.Stride * height)
	copy(buf.data, img.Pix[:img.Stride*height])

	buf.refs.Store(2)
	return &nativecap.Frame{
		Sample:        &bufHandle{buf: buf},
		Pixel:         &bufHandle{buf: buf},
		Data:          unsafe.Pointer(&buf.data[0]),
		Width:         width,
		Height:        height,
		RowPitch:      img.Stride,
		BytesPerPixel: 4,
	}
}

type stream struct {
	provider *Provider
	cfg      nativecap.StreamConfig
	hooks    nativecap.Hooks
	log      *zap.Logger

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *stream) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	select {
	case <-s.done:
		return nativecap.ErrStreamClosed
	default:
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *stream) SetResolution(width, height int) error {
	// Grabs always come back at display size; the consumer reads the
	// delivered geometry off each frame, so a target change is only
	// recorded for logging.
	s.log.Debug("resolution change requested",
		zap.Int("width", width), zap.Int("height", height))
	return nil
}

func (s *stream) SetPixelFormat(f nativecap.FourCC) error {
	if f != nativecap.FourCCBGRA {
		return fmt.Errorf("%w: %s delivery", nativecap.ErrNotSupported, f)
	}
	return nil
}

func (s *stream) HDRActive() bool { return false }

// loop delivers frames serialized on a single worker goroutine, one in
// flight at a time, the way the native frameworks schedule delivery.
func (s *stream) loop() {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			img, err := s.provider.grab(int(s.cfg.DisplayID))
			if err != nil {
				if s.hooks.OnError != nil {
					s.hooks.OnError(fmt.Errorf("screen grab failed: %w", err))
				}
				return
			}
			f := s.provider.frameFromImage(img)
			cont := true
			if s.hooks.OnFrame != nil {
				cont = s.hooks.OnFrame(f)
			}
			// Give back the delivery references; anything the receiver
			// wrapped keeps the buffer alive.
			f.Sample.Release()
			f.Pixel.Release()
			if !cont {
				return
			}
		}
	}
}

// bufPool recycles frame buffers the way native capture frameworks recycle
// their pixel buffers: a buffer returns to the pool when its last reference
// is released.
type bufPool struct {
	pool sync.Pool
}

func newBufPool() *bufPool {
	return &bufPool{}
}

func (p *bufPool) get(size int) *pooledBuf {
	if v := p.pool.Get(); v != nil {
		buf := v.(*pooledBuf)
		if cap(buf.data) >= size {
			buf.data = buf.data[:size]
			return buf
		}
	}
	return &pooledBuf{data: make([]byte, size), pool: p}
}

type pooledBuf struct {
	data []byte
	refs atomic.Int32
	pool *bufPool
}

func (b *pooledBuf) retain() {
	b.refs.Add(1)
}

func (b *pooledBuf) release() {
	if b.refs.Add(-1) == 0 {
		b.pool.pool.Put(b)
	}
}

// bufHandle adapts one pooled buffer view to the native handle contract.
type bufHandle struct {
	buf *pooledBuf
}

func (h *bufHandle) Retain()  { h.buf.retain() }
func (h *bufHandle) Release() { h.buf.release() }

func (h *bufHandle) Pointer() unsafe.Pointer {
	if len(h.buf.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&h.buf.data[0])
}
