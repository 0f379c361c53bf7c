package classify

import (
	"math"
	"strconv"
	"strings"
)

// Rect is an element's rendered bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the layout viewport size in CSS pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSnapshot is an immutable capture of one element's identity,
// computed style and geometry. Style values are kept as the raw strings
// the browser reported so parsing stays in one place.
type ElementSnapshot struct {
	// Handle is an opaque reference the page driver uses to act on the element.
	Handle string `json:"handle"`

	Tag   string `json:"tag"`
	ID    string `json:"id"`
	Class string `json:"class"`

	Position   string `json:"position"`
	ZIndex     string `json:"zIndex"`
	Display    string `json:"display"`
	Visibility string `json:"visibility"`
	Opacity    string `json:"opacity"`
	Background string `json:"background"`
	Width      string `json:"width"`  // computed or inline width, e.g. "1280px" or "100%"
	Height     string `json:"height"` // computed or inline height

	Rect     Rect     `json:"rect"`
	Viewport Viewport `json:"viewport"`

	// InsideEngineUI is set when the element or an ancestor carries the
	// engine's own marker.
	InsideEngineUI bool `json:"engine"`

	// MeasureError holds the message of an exception raised while the
	// element was being measured, typically a removal race.
	MeasureError string `json:"error,omitempty"`
}

// Coverage returns the percentage of the viewport area covered by the
// rendered bounding box.
func (s ElementSnapshot) Coverage() float64 {
	vpArea := s.Viewport.Width * s.Viewport.Height
	if vpArea <= 0 {
		return 0
	}
	w := math.Max(s.Rect.Width, 0)
	h := math.Max(s.Rect.Height, 0)
	return w * h / vpArea * 100
}

// StackingOrder parses the z-index. "auto" and unparsable values are 0.
func (s ElementSnapshot) StackingOrder() int {
	z, err := strconv.Atoi(strings.TrimSpace(s.ZIndex))
	if err != nil {
		return 0
	}
	return z
}

// OpacityValue parses the opacity. Missing or unparsable values are opaque.
func (s ElementSnapshot) OpacityValue() float64 {
	o, err := strconv.ParseFloat(strings.TrimSpace(s.Opacity), 64)
	if err != nil {
		return 1
	}
	return o
}

// Positioned reports whether the element is fixed or absolute.
func (s ElementSnapshot) Positioned() bool {
	p := strings.ToLower(s.Position)
	return p == "fixed" || p == "absolute"
}

// Fixed reports whether the element is position:fixed.
func (s ElementSnapshot) Fixed() bool {
	return strings.EqualFold(s.Position, "fixed")
}

// IsFrame reports whether the element is an embedded frame.
func (s ElementSnapshot) IsFrame() bool {
	return strings.EqualFold(s.Tag, "iframe")
}

// Hidden reports whether the element is not painted for the user.
func (s ElementSnapshot) Hidden(minOpacity float64) bool {
	return strings.EqualFold(s.Display, "none") ||
		strings.EqualFold(s.Visibility, "hidden") ||
		s.OpacityValue() < minOpacity
}

// Identifiers returns class and id joined for keyword matching.
func (s ElementSnapshot) Identifiers() string {
	return s.Class + " " + s.ID
}

// HasBackground reports whether the background colour is visibly filled.
func (s ElementSnapshot) HasBackground() bool {
	bg := strings.ToLower(strings.TrimSpace(s.Background))
	if bg == "" || bg == "transparent" {
		return false
	}
	if strings.HasPrefix(bg, "rgba(") && strings.HasSuffix(bg, ")") {
		parts := strings.Split(bg[len("rgba("):len(bg)-1], ",")
		if len(parts) == 4 {
			alpha, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err == nil && alpha == 0 {
				return false
			}
		}
	}
	return true
}

// exceeds reports whether a CSS length spans more than ratio of the
// viewport dimension, or is written as 100%.
func exceeds(length string, viewport, ratio float64) bool {
	length = strings.TrimSpace(length)
	if length == "100%" {
		return true
	}
	px, err := strconv.ParseFloat(strings.TrimSuffix(length, "px"), 64)
	if err != nil {
		return false
	}
	return px > viewport*ratio
}
