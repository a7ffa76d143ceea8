package input

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds reports pointer coordinates outside the client surface.
// Out-of-range input is rejected before scaling; it is never clamped.
var ErrOutOfBounds = errors.New("coordinates out of bounds")

// Surface is a rectangle in one coordinate space: the rendered client
// display element or the device's logical resolution.
type Surface struct {
	Width  float64
	Height float64
}

// MapPoint converts a point from client surface units to device surface
// units with a plain linear scale. Coordinates must lie within
// [0, client.Width] x [0, client.Height].
func MapPoint(x, y float64, client, dev Surface) (float64, float64, error) {
	if client.Width <= 0 || client.Height <= 0 {
		return 0, 0, fmt.Errorf("invalid client surface %gx%g", client.Width, client.Height)
	}
	if x < 0 || y < 0 || x > client.Width || y > client.Height {
		return 0, 0, fmt.Errorf("%w: (%g, %g) outside %gx%g", ErrOutOfBounds, x, y, client.Width, client.Height)
	}
	return x * dev.Width / client.Width, y * dev.Height / client.Height, nil
}
