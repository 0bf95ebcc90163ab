// Package logo finds the brand logo on a screenshot.
package logo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/imaging"
)

// ClassLogo is the detector class for logos.
const ClassLogo = "logo"

// Detector returns boxes of a class ordered by confidence, highest first.
type Detector interface {
	Detect(ctx context.Context, image []byte, class string) ([]domain.Rect, error)
}

// Locator picks the most confident logo box.
type Locator struct {
	detector Detector
	logger   *zap.Logger
}

// NewLocator creates a Locator.
func NewLocator(detector Detector, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{detector: detector, logger: logger}
}

// Locate returns the first detected logo with its PNG crop, or nil when the
// detector finds none. A box that cannot be cropped is returned without a
// crop so that callers can still use its geometry.
func (l *Locator) Locate(ctx context.Context, screenshot []byte) (*domain.LogoRegion, error) {
	boxes, err := l.detector.Detect(ctx, screenshot, ClassLogo)
	if err != nil {
		return nil, fmt.Errorf("detecting logo: %w", err)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	region := &domain.LogoRegion{Box: boxes[0]}
	crop, err := imaging.Crop(screenshot, boxes[0])
	if err != nil {
		l.logger.Warn("logo crop failed", zap.Any("box", boxes[0]), zap.Error(err))
		return region, nil
	}
	region.Crop = crop
	return region, nil
}
