// Package mapengine defines the collaborator interfaces the render
// worker drives to turn a metatile bounding box into pixels: the
// external map-rendering engine and each style's forward projection.
// Both are deliberately out of scope for this module (§1 of the core
// spec) — no concrete implementation is part of this module; this
// package only names the boundary and provides a style registry plus a
// fake engine, which the tests and cmd/renderd use.
package mapengine

import (
	"fmt"
	"image"

	"github.com/paulmach/orb"
)

// Projector converts a style's forward map-unit projection, e.g.
// lon/lat (EPSG:4326) to the style's native SRS (commonly EPSG:3857).
type Projector interface {
	Forward(lon, lat float64) (x, y float64)
}

// Engine rasterizes a styled map over a bounding box into a single
// canvas image sized width x height pixels, with buffer pixels of
// overdraw margin on every side (§4.5 step 4). The render worker crops
// the returned image into individual tiles itself (§4.5 step 6).
type Engine interface {
	Render(style string, bbox orb.Bound, width, height, buffer int) (image.Image, error)
}

// Style binds a style name to its compiled map projection. Styles are
// loaded once at startup and are immutable afterward (§3).
type Style struct {
	Name      string
	Projector Projector
}

// Registry maps style names to their compiled Style. Callers must
// construct one Registry per worker (see renderworker.WorkerEngine)
// since the rendering engine is not guaranteed thread-safe (§4.5, §9
// "per-worker engine state").
type Registry struct {
	styles map[string]Style
}

// NewRegistry builds a registry from the given styles.
func NewRegistry(styles map[string]Style) *Registry {
	return &Registry{styles: styles}
}

// Lookup returns the style bound to name, or ErrUnknownStyle.
func (r *Registry) Lookup(name string) (Style, error) {
	s, ok := r.styles[name]
	if !ok {
		return Style{}, fmt.Errorf("%w: %s", ErrUnknownStyle, name)
	}
	return s, nil
}

// Names returns the configured style names, for startup logging.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.styles))
	for name := range r.styles {
		names = append(names, name)
	}
	return names
}

// ErrUnknownStyle is returned by Lookup when a worker has no map
// object loaded for the requested style name.
var ErrUnknownStyle = fmt.Errorf("mapengine: unknown style")
