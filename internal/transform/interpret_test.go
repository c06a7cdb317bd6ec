package transform

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestInterpret(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantOK    bool
		wantScale *ScaleEdit
		wantRot   *RotateEdit
		wantColor string
	}{
		{
			name:      "percentage after keyword",
			text:      "make it bigger by 20%",
			wantOK:    true,
			wantScale: &ScaleEdit{Factor: 1.2},
		},
		{
			name:      "percentage before keyword",
			text:      "make it 20% bigger",
			wantOK:    true,
			wantScale: &ScaleEdit{Factor: 1.2},
		},
		{
			name:      "increase",
			text:      "Increase size 50%",
			wantOK:    true,
			wantScale: &ScaleEdit{Factor: 1.5},
		},
		{
			name:      "absolute scale",
			text:      "scale 2.5",
			wantOK:    true,
			wantScale: &ScaleEdit{Factor: 2.5, Absolute: true},
		},
		{
			name:   "zero scale rejected",
			text:   "scale 0",
			wantOK: false,
		},
		{
			name:    "rotate defaults to y",
			text:    "rotate 90 deg",
			wantOK:  true,
			wantRot: &RotateEdit{Axis: AxisY, Degrees: 90},
		},
		{
			name:    "rotate named axis",
			text:    "please ROTATE 45 degrees x",
			wantOK:  true,
			wantRot: &RotateEdit{Axis: AxisX, Degrees: 45},
		},
		{
			name:    "rotate does not take axis from next word",
			text:    "rotate 30 degree yellowish",
			wantOK:  true,
			wantRot: &RotateEdit{Axis: AxisY, Degrees: 30},
		},
		{
			name:      "hex color",
			text:      "paint it #FF8800",
			wantOK:    true,
			wantColor: "#ff8800",
		},
		{
			name:      "hex color with alpha keeps rgb",
			text:      "make it #ff0000ff",
			wantOK:    true,
			wantColor: "#ff0000",
		},
		{
			name:      "named color",
			text:      "color blue",
			wantOK:    true,
			wantColor: "blue",
		},
		{
			name:      "hex wins over named",
			text:      "color red, actually #00ff00",
			wantOK:    true,
			wantColor: "#00ff00",
		},
		{
			name:      "all categories in any order",
			text:      "color green then rotate 10 deg z and scale 3",
			wantOK:    true,
			wantScale: &ScaleEdit{Factor: 3, Absolute: true},
			wantRot:   &RotateEdit{Axis: AxisZ, Degrees: 10},
			wantColor: "green",
		},
		{
			name:   "plain prompt",
			text:   "a red dragon",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edit, ok := Interpret(tt.text, true)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantScale != nil {
				require.NotNil(t, edit.Scale)
				assert.InDelta(t, tt.wantScale.Factor, edit.Scale.Factor, 1e-9)
				assert.Equal(t, tt.wantScale.Absolute, edit.Scale.Absolute)
			} else {
				assert.Nil(t, edit.Scale)
			}
			assert.Equal(t, tt.wantRot, edit.Rotate)
			assert.Equal(t, tt.wantColor, edit.Color)
		})
	}
}

func TestInterpret_NoAssetNeverMatches(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.OneOf(
			rapid.String(),
			rapid.SampledFrom([]string{"scale 2", "rotate 90 deg x", "color red", "#ffffff", "20% bigger"}),
		).Draw(t, "text")

		if _, ok := Interpret(text, false); ok {
			t.Fatalf("Interpret(%q, false) matched", text)
		}
	})
}

func TestInterpret_PercentageMultiplier(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pct := rapid.IntRange(1, 1000).Draw(t, "pct")
		keyword := rapid.SampledFrom([]string{"bigger", "larger"}).Draw(t, "keyword")

		edit, ok := Interpret(fmt.Sprintf("make it %d%% %s", pct, keyword), true)
		if !ok || edit.Scale == nil || edit.Scale.Absolute {
			t.Fatalf("expected relative scale edit, got %+v ok=%v", edit, ok)
		}
		want := 1 + float64(pct)/100
		if diff := edit.Scale.Factor - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("factor = %v, want %v", edit.Scale.Factor, want)
		}
	})
}
