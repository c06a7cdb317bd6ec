package transform

import (
	"math"
	"sync"
)

const DefaultColor = "#ffffff"

// Rotation holds per-axis degrees. Values accumulate unwrapped.
type Rotation struct {
	X float64
	Y float64
	Z float64
}

// Wrapped returns the rotation reduced to [0, 360).
func (r Rotation) Wrapped() Rotation {
	return Rotation{X: wrap(r.X), Y: wrap(r.Y), Z: wrap(r.Z)}
}

func (r Rotation) axis(a Axis) float64 {
	switch a {
	case AxisX:
		return r.X
	case AxisZ:
		return r.Z
	default:
		return r.Y
	}
}

func wrap(deg float64) float64 {
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	return w
}

// Transform is the presentation overlay on the loaded asset. It is never sent
// to the backend.
type Transform struct {
	Scale    float64
	Rotation Rotation
	Color    string
}

func DefaultTransform() Transform {
	return Transform{Scale: 1, Color: DefaultColor}
}

// Partial is a shallow update; nil fields are left untouched and rotation
// merges per axis.
type Partial struct {
	Scale     *float64
	RotationX *float64
	RotationY *float64
	RotationZ *float64
	Color     *string
}

// State holds the transform of the currently loaded asset.
type State struct {
	mu  sync.RWMutex
	cur Transform
}

func NewState() *State {
	return &State{cur: DefaultTransform()}
}

func (s *State) Current() Transform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *State) Reset() {
	s.mu.Lock()
	s.cur = DefaultTransform()
	s.mu.Unlock()
}

func (s *State) Update(p Partial) {
	s.mu.Lock()
	s.update(p)
	s.mu.Unlock()
}

func (s *State) update(p Partial) {
	if p.Scale != nil {
		s.cur.Scale = *p.Scale
	}
	if p.RotationX != nil {
		s.cur.Rotation.X = *p.RotationX
	}
	if p.RotationY != nil {
		s.cur.Rotation.Y = *p.RotationY
	}
	if p.RotationZ != nil {
		s.cur.Rotation.Z = *p.RotationZ
	}
	if p.Color != nil {
		s.cur.Color = *p.Color
	}
}

// Apply folds an interpreted edit into the state and returns the result.
// Relative scale multiplies, absolute scale replaces, rotation adds to the
// named axis.
func (s *State) Apply(e Edit) Transform {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur
	var p Partial

	if e.Scale != nil {
		scale := e.Scale.Factor
		if !e.Scale.Absolute {
			scale = cur.Scale * e.Scale.Factor
		}
		p.Scale = &scale
	}
	if e.Rotate != nil {
		deg := cur.Rotation.axis(e.Rotate.Axis) + e.Rotate.Degrees
		switch e.Rotate.Axis {
		case AxisX:
			p.RotationX = &deg
		case AxisZ:
			p.RotationZ = &deg
		default:
			p.RotationY = &deg
		}
	}
	if e.Color != "" {
		color := e.Color
		p.Color = &color
	}

	s.update(p)
	return s.cur
}
