package mapengine

import (
	"image"
	"image/color"

	"github.com/paulmach/orb"
)

// FakeEngine is a deterministic stand-in for the real rendering engine,
// used by the render worker tests so they can exercise the full
// pipeline without a map-rendering library, and wired in by
// cmd/renderd as each worker's engine. It paints a flat color
// canvas and records the bounding boxes it was asked to render.
//
// Mirrors the teacher's internal/mock package convention of small
// struct-backed fakes alongside the real collaborator interfaces.
type FakeEngine struct {
	Color    color.Color
	FailFor  map[string]bool
	Requests []FakeRequest
}

// FakeRequest records one call made to FakeEngine.Render.
type FakeRequest struct {
	Style         string
	Bbox          orb.Bound
	Width, Height int
}

// NewFakeEngine returns a FakeEngine painting solid gray canvases.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Color: color.Gray{Y: 128}}
}

func (e *FakeEngine) Render(style string, bbox orb.Bound, width, height, buffer int) (image.Image, error) {
	e.Requests = append(e.Requests, FakeRequest{Style: style, Bbox: bbox, Width: width, Height: height})
	if e.FailFor != nil && e.FailFor[style] {
		return nil, errFakeRenderFailed
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, e.Color)
		}
	}
	return img, nil
}

// FakeProjector is an identity-ish projector good enough for tests:
// forward projection just returns the lon/lat unchanged, which keeps
// bbox math simple to assert on.
type FakeProjector struct{}

func (FakeProjector) Forward(lon, lat float64) (float64, float64) {
	return lon, lat
}

var errFakeRenderFailed = fakeRenderError("mapengine: fake render failure")

type fakeRenderError string

func (e fakeRenderError) Error() string { return string(e) }
