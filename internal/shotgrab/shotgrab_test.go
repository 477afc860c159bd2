package shotgrab

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

func testGrabber(width, height int, fail *atomic.Bool) Option {
	bounds := image.Rect(0, 0, width, height)
	return WithGrabber(
		func() int { return 2 },
		func(int) image.Rectangle { return bounds },
		func(display int) (*image.RGBA, error) {
			if fail != nil && fail.Load() {
				return nil, errors.New("grab refused")
			}
			img := image.NewRGBA(bounds)
			for i := range img.Pix {
				img.Pix[i] = byte(i)
			}
			return img, nil
		},
	)
}

func TestDisplays(t *testing.T) {
	p := New(nil, testGrabber(640, 480, nil))

	displays, err := p.Displays()
	if err != nil {
		t.Fatalf("Displays: %v", err)
	}
	if len(displays) != 2 {
		t.Fatalf("got %d displays, want 2", len(displays))
	}
	if displays[0].Name != "display-0" || displays[1].Name != "display-1" {
		t.Errorf("names = %q, %q", displays[0].Name, displays[1].Name)
	}
	if displays[0].Width != 640 || displays[0].Height != 480 {
		t.Errorf("bounds = %dx%d, want 640x480", displays[0].Width, displays[0].Height)
	}
}

func TestPermissionCheckOverride(t *testing.T) {
	denied := New(nil, WithPermissionCheck(func() bool { return false }))
	if denied.PermissionGranted() {
		t.Error("override not honored")
	}
	if !New(nil).PermissionGranted() {
		t.Error("default permission should be granted")
	}
}

func TestCaptureStillOwnership(t *testing.T) {
	p := New(nil, testGrabber(8, 4, nil))

	f, err := p.CaptureStill(0)
	if err != nil {
		t.Fatalf("CaptureStill: %v", err)
	}
	if f.Width != 8 || f.Height != 4 {
		t.Fatalf("frame %dx%d, want 8x4", f.Width, f.Height)
	}
	if f.RowPitch != 8*4 || f.BytesPerPixel != 4 {
		t.Fatalf("pitch = %d bpp = %d", f.RowPitch, f.BytesPerPixel)
	}
	if f.Data == nil {
		t.Fatal("nil data pointer")
	}

	// Sample and pixel are two views of one pooled buffer, one reference
	// each. Releasing both returns the buffer to the pool.
	buf := f.Sample.(*bufHandle).buf
	if got := buf.refs.Load(); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}
	f.Sample.Release()
	if got := buf.refs.Load(); got != 1 {
		t.Fatalf("refs after one release = %d, want 1", got)
	}
	f.Pixel.Retain()
	f.Pixel.Release()
	f.Pixel.Release()
	if got := buf.refs.Load(); got != 0 {
		t.Fatalf("refs after full release = %d, want 0", got)
	}
}

func TestCaptureStillGrabFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := New(nil, testGrabber(8, 4, &fail))

	if _, err := p.CaptureStill(0); err == nil {
		t.Fatal("expected grab failure")
	}
}

func TestOpenStreamRejectsBiPlanar(t *testing.T) {
	p := New(nil, testGrabber(8, 4, nil))

	cfg := nativecap.StreamConfig{FrameRate: 30, PixelFormat: nativecap.FourCCNV12}
	if _, err := p.OpenStream(cfg, nativecap.Hooks{}); !errors.Is(err, nativecap.ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}

	cfg = nativecap.StreamConfig{FrameRate: 0, PixelFormat: nativecap.FourCCBGRA}
	if _, err := p.OpenStream(cfg, nativecap.Hooks{}); err == nil {
		t.Fatal("expected frame rate rejection")
	}
}

func TestStreamDeliversAndStops(t *testing.T) {
	p := New(nil, testGrabber(8, 4, nil))

	frames := make(chan *nativecap.Frame, 1)
	var count atomic.Int32
	hooks := nativecap.Hooks{
		OnFrame: func(f *nativecap.Frame) bool {
			if count.Add(1) == 3 {
				// Keep the last frame alive past the delivery release.
				f.Pixel.Retain()
				select {
				case frames <- f:
				default:
				}
				return false
			}
			return true
		},
	}

	s, err := p.OpenStream(nativecap.StreamConfig{FrameRate: 200, PixelFormat: nativecap.FourCCBGRA}, hooks)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case f := <-frames:
		if f.Width != 8 || f.Height != 4 {
			t.Errorf("frame %dx%d, want 8x4", f.Width, f.Height)
		}
		buf := f.Pixel.(*bufHandle).buf
		if got := buf.refs.Load(); got != 1 {
			t.Errorf("retained frame refs = %d, want 1", got)
		}
		f.Pixel.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("no frames delivered")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	delivered := count.Load()
	time.Sleep(20 * time.Millisecond)
	if count.Load() != delivered {
		t.Error("frames delivered after Stop returned")
	}
}

func TestStreamReportsGrabErrors(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := New(nil, testGrabber(8, 4, &fail))

	errs := make(chan error, 1)
	hooks := nativecap.Hooks{
		OnFrame: func(*nativecap.Frame) bool { return true },
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}

	s, err := p.OpenStream(nativecap.StreamConfig{FrameRate: 200, PixelFormat: nativecap.FourCCBGRA}, hooks)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("grab failure never reported")
	}
}

func TestStreamStartAfterStop(t *testing.T) {
	p := New(nil, testGrabber(8, 4, nil))

	s, err := p.OpenStream(nativecap.StreamConfig{FrameRate: 30, PixelFormat: nativecap.FourCCBGRA}, nativecap.Hooks{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, nativecap.ErrStreamClosed) {
		t.Fatalf("Start after Stop = %v, want ErrStreamClosed", err)
	}
}

func TestStreamSetPixelFormat(t *testing.T) {
	p := New(nil, testGrabber(8, 4, nil))

	s, err := p.OpenStream(nativecap.StreamConfig{FrameRate: 30, PixelFormat: nativecap.FourCCBGRA}, nativecap.Hooks{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Stop()

	if err := s.SetPixelFormat(nativecap.FourCCBGRA); err != nil {
		t.Errorf("bgra rejected: %v", err)
	}
	if err := s.SetPixelFormat(nativecap.FourCCP010); !errors.Is(err, nativecap.ErrNotSupported) {
		t.Errorf("p010 err = %v, want ErrNotSupported", err)
	}
	if s.HDRActive() {
		t.Error("screenshot backend reported HDR")
	}
}

func TestPoolRecyclesBuffers(t *testing.T) {
	pool := newBufPool()

	a := pool.get(64)
	a.refs.Store(1)
	ptr := &a.data[0]
	a.release()

	b := pool.get(32)
	if &b.data[0] != ptr {
		t.Error("released buffer not recycled")
	}
	if len(b.data) != 32 {
		t.Errorf("recycled buffer length = %d, want 32", len(b.data))
	}
}
