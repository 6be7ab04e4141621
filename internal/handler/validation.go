package handler

import (
	"github.com/go-playground/validator/v10"

	"sketch-sync/internal/domain"
)

// newValidator registers the point rule: (0,0) is reserved as the stroke
// separator and cannot be drawn. Requests are also capped at
// domain.MaxSketchPoints once flattened.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		p := sl.Current().Interface().(domain.Point)
		if p.IsStrokeBreak() {
			sl.ReportError(p.X, "X", "x", "notorigin", "")
		}
	}, domain.Point{})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		var strokes [][]domain.Point
		switch req := sl.Current().Interface().(type) {
		case domain.CreateSketchRequest:
			strokes = req.Strokes
		case domain.UpdateSketchRequest:
			strokes = req.Strokes
		}
		if domain.FlattenedLen(strokes) > domain.MaxSketchPoints {
			sl.ReportError(strokes, "Strokes", "strokes", "maxpoints", "")
		}
	}, domain.CreateSketchRequest{}, domain.UpdateSketchRequest{})
	return v
}
