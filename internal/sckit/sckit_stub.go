//go:build !darwin

package sckit

import (
	"errors"

	"go.uber.org/zap"

	"github.com/frameloop/capturebridge/internal/nativecap"
)

var ErrUnavailable = errors.New("the ScreenCaptureKit backend is only available on darwin")

type Provider struct{}

func NewProvider(log *zap.Logger) *Provider {
	_ = log
	return &Provider{}
}

func (p *Provider) Displays() ([]nativecap.Display, error) {
	return nil, ErrUnavailable
}

func (p *Provider) PermissionGranted() bool {
	return false
}

func (p *Provider) CaptureStill(displayID uint32) (*nativecap.Frame, error) {
	return nil, ErrUnavailable
}

func (p *Provider) OpenStream(cfg nativecap.StreamConfig, hooks nativecap.Hooks) (nativecap.Stream, error) {
	return nil, ErrUnavailable
}
