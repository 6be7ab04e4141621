package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultSketchName = "New Sketch"

// MaxSketchPoints caps the flattened point list of one sketch, stroke breaks
// included.
const MaxSketchPoints = 100_000

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StrokeBreak separates consecutive strokes inside Sketch.Points.
var StrokeBreak = Point{}

func (p Point) IsStrokeBreak() bool {
	return p == StrokeBreak
}

type Sketch struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Points       []Point   `json:"points"`
	LastModified time.Time `json:"last_modified"`
}

func NewSketch(now time.Time) Sketch {
	return Sketch{
		ID:           uuid.New().String(),
		Name:         DefaultSketchName,
		Points:       []Point{},
		LastModified: now,
	}
}

// Equal reports full structural equality. Nil and empty point slices are equal.
func (s Sketch) Equal(other Sketch) bool {
	if s.ID != other.ID || s.Name != other.Name {
		return false
	}
	if !s.LastModified.Equal(other.LastModified) {
		return false
	}
	if len(s.Points) != len(other.Points) {
		return false
	}
	for i := range s.Points {
		if s.Points[i] != other.Points[i] {
			return false
		}
	}
	return true
}

func (s Sketch) Clone() Sketch {
	out := s
	if s.Points != nil {
		out.Points = make([]Point, len(s.Points))
		copy(out.Points, s.Points)
	}
	return out
}

// Strokes splits Points on StrokeBreak. Empty strokes are dropped, so leading,
// trailing and repeated breaks are tolerated.
func (s Sketch) Strokes() [][]Point {
	var strokes [][]Point
	var current []Point
	for _, p := range s.Points {
		if p.IsStrokeBreak() {
			if len(current) > 0 {
				strokes = append(strokes, current)
				current = nil
			}
			continue
		}
		current = append(current, p)
	}
	if len(current) > 0 {
		strokes = append(strokes, current)
	}
	return strokes
}

// FlattenStrokes is the inverse of Sketch.Strokes: one StrokeBreak between
// consecutive non-empty strokes, none leading or trailing.
func FlattenStrokes(strokes [][]Point) []Point {
	points := []Point{}
	for _, stroke := range strokes {
		if len(stroke) == 0 {
			continue
		}
		if len(points) > 0 {
			points = append(points, StrokeBreak)
		}
		points = append(points, stroke...)
	}
	return points
}

// FlattenedLen is len(FlattenStrokes(strokes)) without building the slice.
func FlattenedLen(strokes [][]Point) int {
	n := 0
	for _, stroke := range strokes {
		if len(stroke) == 0 {
			continue
		}
		if n > 0 {
			n++
		}
		n += len(stroke)
	}
	return n
}

// RemoteWins is the last-writer-wins rule: the remote copy replaces the local
// one only when it is strictly newer. Ties keep the local copy.
func RemoteWins(local, remote Sketch) bool {
	return remote.LastModified.After(local.LastModified)
}

type CreateSketchRequest struct {
	Name    string    `json:"name" validate:"max=120"`
	Strokes [][]Point `json:"strokes" validate:"max=4096,dive,min=1,dive"`
}

type UpdateSketchRequest struct {
	Name    *string   `json:"name" validate:"omitempty,min=1,max=120"`
	Strokes [][]Point `json:"strokes" validate:"max=4096,dive,min=1,dive"`
}

type SketchResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Points       []Point   `json:"points"`
	Strokes      [][]Point `json:"strokes"`
	StrokeCount  int       `json:"stroke_count"`
	LastModified time.Time `json:"last_modified"`
}

func NewSketchResponse(s Sketch) *SketchResponse {
	strokes := s.Strokes()
	if strokes == nil {
		strokes = [][]Point{}
	}
	points := s.Points
	if points == nil {
		points = []Point{}
	}
	return &SketchResponse{
		ID:           s.ID,
		Name:         s.Name,
		Points:       points,
		Strokes:      strokes,
		StrokeCount:  len(strokes),
		LastModified: s.LastModified,
	}
}
