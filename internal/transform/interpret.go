// Package transform recognizes local edit commands in free text and keeps
// the presentation transform applied to the loaded asset.
package transform

import (
	"regexp"
	"strconv"
	"strings"
)

type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ScaleEdit is either a relative multiplier or an absolute scale.
type ScaleEdit struct {
	Factor   float64
	Absolute bool
}

type RotateEdit struct {
	Axis    Axis
	Degrees float64
}

// Edit is the typed result of interpreting an instruction. Nil/empty fields
// were not mentioned.
type Edit struct {
	Scale  *ScaleEdit
	Rotate *RotateEdit
	Color  string
}

func (e Edit) IsEmpty() bool {
	return e.Scale == nil && e.Rotate == nil && e.Color == ""
}

type matcher func(text string) (Edit, bool)

var (
	relativeScaleRe = []*regexp.Regexp{
		regexp.MustCompile(`(?:bigger|larger|increase)[^0-9]*(\d+(?:\.\d+)?)\s*%`),
		regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*(?:bigger|larger)`),
	}
	absoluteScaleRe = regexp.MustCompile(`scale\s*(\d+(?:\.\d+)?)`)
	rotateRe        = regexp.MustCompile(`rotate\s*(\d+(?:\.\d+)?)\s*(?:degrees|degree|deg)\b(?:\s*([xyz])\b)?`)
	hexColorRe      = regexp.MustCompile(`#([0-9a-f]{6})`)
	namedColorRe    = regexp.MustCompile(`color\s+([a-z]+)`)
)

// Each category is matched on its own and the results compose.
var matchers = []matcher{
	matchScale,
	matchRotation,
	matchColor,
}

// Interpret reports the local edit described by text. It never matches when
// no asset is loaded.
func Interpret(text string, hasLoadedAsset bool) (Edit, bool) {
	if !hasLoadedAsset {
		return Edit{}, false
	}

	lower := strings.ToLower(text)
	var result Edit
	for _, m := range matchers {
		e, ok := m(lower)
		if !ok {
			continue
		}
		if e.Scale != nil {
			result.Scale = e.Scale
		}
		if e.Rotate != nil {
			result.Rotate = e.Rotate
		}
		if e.Color != "" {
			result.Color = e.Color
		}
	}
	return result, !result.IsEmpty()
}

func matchScale(text string) (Edit, bool) {
	for _, re := range relativeScaleRe {
		if m := re.FindStringSubmatch(text); m != nil {
			if pct, ok := parsePositive(m[1]); ok {
				return Edit{Scale: &ScaleEdit{Factor: 1 + pct/100}}, true
			}
		}
	}
	if m := absoluteScaleRe.FindStringSubmatch(text); m != nil {
		if n, ok := parsePositive(m[1]); ok {
			return Edit{Scale: &ScaleEdit{Factor: n, Absolute: true}}, true
		}
	}
	return Edit{}, false
}

func matchRotation(text string) (Edit, bool) {
	m := rotateRe.FindStringSubmatch(text)
	if m == nil {
		return Edit{}, false
	}
	deg, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Edit{}, false
	}
	axis := AxisY
	if m[2] != "" {
		axis = Axis(m[2])
	}
	return Edit{Rotate: &RotateEdit{Axis: axis, Degrees: deg}}, true
}

func matchColor(text string) (Edit, bool) {
	if m := hexColorRe.FindStringSubmatch(text); m != nil {
		return Edit{Color: "#" + m[1]}, true
	}
	if m := namedColorRe.FindStringSubmatch(text); m != nil {
		return Edit{Color: m[1]}, true
	}
	return Edit{}, false
}

func parsePositive(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
