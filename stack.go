package rawexr

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MinExposureStop is the lowest usable simulated exposure scale; the decoder
// cannot darken beyond two stops.
const MinExposureStop = 0.25

// Default bracketing for HDR merges. Brackets are calculated as
// start + step*i for i in [0, count).
const (
	DefaultExposureStart = 0.25
	DefaultExposureStep  = 1.25
	DefaultExposureCount = 6
)

// ExposureBracket is one simulated exposure: the stop it was decoded at and
// the resulting buffer. Brackets are ephemeral, consumed by Merge.
type ExposureBracket struct {
	Stop   float64
	Buffer *Buffer
}

// HDRStack is an ordered sequence of exposure brackets with strictly
// ascending stops.
type HDRStack struct {
	Brackets []ExposureBracket
}

// GenerateStops returns count exposure stops, stop[i] = start + step*i.
func GenerateStops(start, step float64, count int) []float64 {
	stops := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		stops = append(stops, start+step*float64(i))
	}
	return stops
}

// validateStops enforces the stack invariants: at least one stop, strictly
// ascending, floor at MinExposureStop. Whether the chosen brackets overlap
// into clipping is the caller's responsibility.
func validateStops(stops []float64) error {
	if len(stops) == 0 {
		return fmt.Errorf("%w: empty exposure stack", ErrConfiguration)
	}
	if stops[0] < MinExposureStop {
		return fmt.Errorf("%w: first stop %g below minimum %g", ErrConfiguration, stops[0], MinExposureStop)
	}
	for i := 1; i < len(stops); i++ {
		if stops[i] <= stops[i-1] {
			return fmt.Errorf("%w: exposure stops must be strictly ascending", ErrConfiguration)
		}
	}
	return nil
}

// StackBuilder schedules per-bracket decodes across a bounded worker pool.
type StackBuilder struct {
	// Workers bounds concurrent decodes; <= 0 means GOMAXPROCS.
	Workers int
	Log     *zap.Logger
}

func (b *StackBuilder) workers() int {
	if b != nil && b.Workers > 0 {
		return b.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (b *StackBuilder) logger() *zap.Logger {
	if b != nil && b.Log != nil {
		return b.Log
	}
	return zap.NewNop()
}

// Build decodes one bracket per stop from the raw file at path. Each bracket
// clones base with its stop as the exposure scale and decodes in its own
// session, so no state is shared across workers. Any single decode failure
// fails the whole build; no partial stack is returned.
func (b *StackBuilder) Build(ctx context.Context, path string, base DevelopSettings, stops []float64) (*HDRStack, error) {
	if err := validateStops(stops); err != nil {
		return nil, err
	}
	log := b.logger()

	brackets := make([]ExposureBracket, len(stops))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for i, stop := range stops {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Debug("decoding exposure bracket", zap.String("path", path), zap.Float64("stop", stop))
			session, err := OpenSession(path)
			if err != nil {
				return err
			}
			defer session.Close()
			buf, err := session.Decode(base.WithExposure(stop))
			if err != nil {
				return fmt.Errorf("bracket %g: %w", stop, err)
			}
			brackets[i] = ExposureBracket{Stop: stop, Buffer: buf}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &HDRStack{Brackets: brackets}, nil
}

// Merge reduces the stack to one buffer by unweighted elementwise addition in
// stack order: the first bracket's buffer becomes the accumulator and every
// remaining bracket is added to it. This is a plain sum, not an average or a
// clip-aware blend; consumers tone-map downstream.
func (s *HDRStack) Merge() (*Buffer, error) {
	if s == nil || len(s.Brackets) == 0 {
		return nil, fmt.Errorf("%w: cannot merge an empty stack", ErrConfiguration)
	}
	acc := s.Brackets[0].Buffer
	for _, bracket := range s.Brackets[1:] {
		if len(bracket.Buffer.Pix) != len(acc.Pix) {
			return nil, fmt.Errorf("%w: bracket dimensions differ", ErrConfiguration)
		}
		for i, v := range bracket.Buffer.Pix {
			acc.Pix[i] += v
		}
	}
	return acc, nil
}
