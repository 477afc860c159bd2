package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/cvbuf"
	"github.com/frameloop/capturebridge/internal/nativecap"
)

// Stream setup is bounded; a backend that cannot confirm delivery within
// this window is treated as a hard failure, not retried.
const defaultStartTimeout = 8 * time.Second

type sessionState int

const (
	stateIdle sessionState = iota
	stateStarting
	stateCapturing
	stateStopping
	stateStopped
)

// Session owns one capture stream bound to one display. A Session is safe
// for concurrent use of Stop and IsHDR against a blocked Capture call; only
// one Capture (or DummyImg) may be outstanding at a time.
type Session struct {
	id       string
	mem      MemoryType
	provider nativecap.Provider
	display  nativecap.Display
	log      *zap.Logger

	startTimeout time.Duration

	// mu guards the state machine. It is shared between the caller-facing
	// methods and the delivery path because Stop may race an in-flight
	// hand-off.
	mu           sync.Mutex
	state        sessionState
	stream       nativecap.Stream
	cfg          Config
	streamFormat nativecap.FourCC
	done         chan Status
	signaled     bool
}

func openSession(provider nativecap.Provider, mem MemoryType, name string, cfg Config) (*Session, error) {
	cfg, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}

	displays, err := provider.Displays()
	if err != nil {
		return nil, err
	}
	display, ok := findDisplay(displays, name)
	if !ok {
		cfg.Logger.Warn("no matching capture display",
			zap.String("requested", name),
			zap.Int("available", len(displays)))
		return nil, fmt.Errorf("%w: %q", ErrNoDisplay, name)
	}

	if cfg.Width == 0 {
		cfg.Width = display.Width
	}
	if cfg.Height == 0 {
		cfg.Height = display.Height
	}

	s := &Session{
		id:           uuid.NewString()[:8],
		mem:          mem,
		provider:     provider,
		display:      display,
		startTimeout: defaultStartTimeout,
		cfg:          cfg,
		streamFormat: nativecap.FourCCBGRA,
	}
	s.log = cfg.Logger.With(
		zap.String("session", s.id),
		zap.String("display", display.Name),
		zap.Stringer("memory", mem),
	)
	s.log.Debug("session open",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("fps", cfg.FrameRate),
		zap.Bool("hdr", cfg.HDR))
	return s, nil
}

// AllocImg returns a freshly constructed, zero-initialized Image not yet
// bound to any native buffer.
func (s *Session) AllocImg() *Image {
	return &Image{}
}

// ID returns the session's log identifier.
func (s *Session) ID() string { return s.id }

// DisplayName returns the name of the display the session is attached to.
func (s *Session) DisplayName() string { return s.display.Name }

// Capture arms the native stream and blocks until the consumer ends it, the
// session is stopped, or the stream fails. On every delivered native buffer
// the hand-off protocol runs on the backend's worker context: pullCb
// supplies the target Image, the buffer ownership is swapped under a retain
// guard, and the filled Image goes to pushCb. Either callback returning
// failure drops the frame and stops the stream.
//
// Capture must run in a context able to block and is not reentrant per
// session.
func (s *Session) Capture(pullCb PullFunc, pushCb PushFunc, showCursor bool) Status {
	s.mu.Lock()
	if s.state != stateIdle && s.state != stateStopped {
		s.mu.Unlock()
		s.log.Warn("capture rejected", zap.Error(ErrSessionBusy))
		return StatusError
	}
	done := make(chan Status, 1)
	s.done = done
	s.signaled = false
	s.state = stateStarting
	scfg := s.streamConfigLocked(showCursor)
	s.mu.Unlock()

	hooks := nativecap.Hooks{
		OnFrame: func(f *nativecap.Frame) bool {
			return s.deliver(f, pullCb, pushCb, showCursor)
		},
		OnError: func(err error) {
			s.log.Error("capture stream failed", zap.Error(err))
			s.finish(StatusError)
		},
	}

	stream, err := s.provider.OpenStream(scfg, hooks)
	if err != nil {
		s.log.Error("capture stream setup failed", zap.Error(err))
		s.settle(nil)
		return StatusError
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	err = stream.Start(ctx)
	cancel()
	if err != nil {
		_ = stream.Stop()
		s.settle(nil)
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Error("capture stream arm timed out", zap.Duration("timeout", s.startTimeout))
			return StatusTimeout
		}
		s.log.Error("capture stream arm failed", zap.Error(err))
		return StatusError
	}

	s.mu.Lock()
	if s.state == stateStopping {
		// Stop raced the arm; tear down without delivering a frame.
		s.mu.Unlock()
		_ = stream.Stop()
		s.finish(StatusStopped)
	} else {
		s.stream = stream
		s.state = stateCapturing
		s.mu.Unlock()
	}

	st := <-done

	_ = stream.Stop()
	s.settle(stream)
	s.log.Debug("capture done", zap.Stringer("status", st))
	return st
}

// Stop ends the active stream, releasing a blocked Capture call with
// StatusStopped even if no frame was ever delivered. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case stateIdle, stateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
	}
	s.finish(StatusStopped)
	return nil
}

// Close tears the session down. Equivalent to Stop; present so callers can
// treat sessions as closable resources.
func (s *Session) Close() error {
	return s.Stop()
}

// IsHDR reports whether the active stream is negotiated in an HDR color
// path. It is false whenever the session is not capturing.
func (s *Session) IsHDR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateCapturing && s.stream != nil && s.stream.HDRActive()
}

// DummyImg captures exactly one frame into img without publishing it to any
// consumer, then releases the frame's native buffers again. It verifies the
// capture path end to end: ErrPermissionDenied is returned, without touching
// the native API, when the OS has not authorized capture.
func (s *Session) DummyImg(img *Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil probe image", ErrInvalidConfig)
	}
	if !s.provider.PermissionGranted() {
		s.log.Warn("capture permission not granted")
		return ErrPermissionDenied
	}

	s.mu.Lock()
	if s.state != stateIdle && s.state != stateStopped {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	// The probe occupies the session so a concurrent Capture cannot arm
	// a second stream while the fallback stream is running.
	prev := s.state
	s.state = stateStarting
	scfg := s.streamConfigLocked(false)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == stateStarting {
			s.state = prev
		} else {
			// Stop raced the probe; leave the session stopped.
			s.state = stateStopped
		}
		s.mu.Unlock()
	}()

	err := s.probeStill(img)
	if errors.Is(err, nativecap.ErrStillUnsupported) {
		err = s.probeStream(img, scfg)
	}
	if err != nil {
		s.log.Error("capture probe failed", zap.Error(err))
		return err
	}

	s.log.Debug("capture probe ok",
		zap.Int("width", img.Width),
		zap.Int("height", img.Height))
	// The probe keeps its observed dimensions but gives every native
	// resource back.
	img.Release()
	return nil
}

func (s *Session) probeStill(img *Image) error {
	f, err := s.provider.CaptureStill(s.display.ID)
	if err != nil {
		return err
	}
	swapErr := s.swap(img, f)
	// Return the delivery references; the installed wrappers hold their own.
	if f.Sample != nil {
		f.Sample.Release()
	}
	if f.Pixel != nil {
		f.Pixel.Release()
	}
	return swapErr
}

func (s *Session) probeStream(img *Image, scfg nativecap.StreamConfig) error {
	result := make(chan error, 1)
	hooks := nativecap.Hooks{
		OnFrame: func(f *nativecap.Frame) bool {
			select {
			case result <- s.swap(img, f):
			default:
			}
			return false
		},
		OnError: func(err error) {
			select {
			case result <- err:
			default:
			}
		},
	}

	stream, err := s.provider.OpenStream(scfg, hooks)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Stop() }()

	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-time.After(s.startTimeout):
		return fmt.Errorf("capture probe timed out after %s", s.startTimeout)
	}
}

// deliver runs the hand-off protocol for one delivered native buffer. It
// executes on the backend's worker context, serialized per stream, and
// returns whether the backend should keep capturing.
func (s *Session) deliver(f *nativecap.Frame, pullCb PullFunc, pushCb PushFunc, showCursor bool) bool {
	s.mu.Lock()
	active := s.state == stateStarting || s.state == stateCapturing
	s.mu.Unlock()
	if !active {
		return false
	}

	img := pullCb()
	if img == nil {
		s.log.Debug("frame dropped: no free image")
		s.finish(StatusStopped)
		return false
	}

	if err := s.swap(img, f); err != nil {
		s.log.Error("frame hand-off failed", zap.Error(err))
		s.finish(StatusError)
		return false
	}

	if !pushCb(img, showCursor) {
		s.log.Debug("frame rejected by consumer")
		s.finish(StatusStopped)
		return false
	}
	return true
}

// swap installs a delivered native buffer into img:
//
//  1. wrap the sample and its pixel buffer in fresh owning refs
//  2. guard the image's previous state
//  3. overwrite pointer, wrappers and geometry as one unit
//  4. release the guard, the earliest safe point to free the old buffer
//
// Native frameworks recycle buffers aggressively; the guard is what keeps
// the old buffer provably alive until the new fields are fully installed.
func (s *Session) swap(img *Image, f *nativecap.Frame) error {
	if f == nil || f.Pixel == nil || f.Data == nil {
		return fmt.Errorf("%w: empty native delivery", ErrNoBuffer)
	}
	if f.Width <= 0 || f.Height <= 0 || f.RowPitch <= 0 {
		return fmt.Errorf("%w: degenerate frame %dx%d pitch=%d", ErrNoBuffer, f.Width, f.Height, f.RowPitch)
	}

	pixelPitch, err := derivePixelPitch(f)
	if err != nil {
		return err
	}
	// A row must hold at least width pixels at the derived depth; a
	// backend reporting fewer bytes per row than that would make every
	// row read walk off the buffer.
	if f.RowPitch < f.Width*pixelPitch {
		return fmt.Errorf("%w: row pitch %d below %d pixels at %d bytes each", ErrNoBuffer, f.RowPitch, f.Width, pixelPitch)
	}

	sample := cvbuf.NewSampleRef(f.Sample)
	pixel := cvbuf.NewPixelRef(f.Pixel)

	guard := img.guard()
	img.install(sample, pixel, f.Data, f.Width, f.Height, f.RowPitch, pixelPitch)
	guard.Release()
	return nil
}

// derivePixelPitch prefers the bytes-per-pixel the native layer reports.
// The row-pitch division fallback is only trusted when it divides evenly;
// a padded row pitch with no reported depth rejects the frame rather than
// installing a bogus pitch.
func derivePixelPitch(f *nativecap.Frame) (int, error) {
	if f.BytesPerPixel > 0 {
		return f.BytesPerPixel, nil
	}
	if f.RowPitch%f.Width != 0 {
		return 0, fmt.Errorf("%w: row pitch %d not divisible by width %d", ErrNoBuffer, f.RowPitch, f.Width)
	}
	return f.RowPitch / f.Width, nil
}

// finish releases the blocked Capture call exactly once per armed stream.
func (s *Session) finish(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil || s.signaled {
		return
	}
	s.signaled = true
	s.done <- st
}

// settle records the stream as torn down.
func (s *Session) settle(stream nativecap.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == nil || s.stream == stream {
		s.stream = nil
	}
	s.state = stateStopped
	s.done = nil
}

func (s *Session) streamConfigLocked(showCursor bool) nativecap.StreamConfig {
	return nativecap.StreamConfig{
		DisplayID:   s.display.ID,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		FrameRate:   s.cfg.FrameRate,
		PixelFormat: s.streamFormat,
		ShowsCursor: showCursor,
		HDR:         s.cfg.HDR,
	}
}

// setStreamPixelFormat renegotiates the native delivery format, pushing the
// change into an active stream immediately.
func (s *Session) setStreamPixelFormat(f nativecap.FourCC) error {
	s.mu.Lock()
	s.streamFormat = f
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		return stream.SetPixelFormat(f)
	}
	return nil
}

// setResolution pushes an encoder-driven resolution change back into the
// session, and into the active stream when one is armed.
func (s *Session) setResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, width, height)
	}
	s.mu.Lock()
	s.cfg.Width = width
	s.cfg.Height = height
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		return stream.SetResolution(width, height)
	}
	return nil
}
