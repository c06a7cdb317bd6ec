package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssetFormat_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		format AssetFormat
		want   bool
	}{
		{"glb", FormatGLB, true},
		{"gltf", FormatGLTF, true},
		{"obj", FormatOBJ, true},
		{"invalid", AssetFormat("fbx"), false},
		{"empty", AssetFormat(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.IsValid())
		})
	}
}

func TestFormatFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want AssetFormat
	}{
		{"http://localhost:8000/static/models/abc.glb", FormatGLB},
		{"/static/models/abc.PLY", FormatPLY},
		{"https://cdn.example.com/a.obj?token=1", FormatOBJ},
		{"https://cdn.example.com/a", FormatGLB},
		{"https://cdn.example.com/a.png", FormatGLB},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFromURL(tt.url))
		})
	}
}

func TestParams_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   Params
		want Params
	}{
		{"defaults kept", DefaultParams(), DefaultParams()},
		{"valid values kept", Params{Seed: 7, GuidanceScale: 3.5, Steps: 8}, Params{Seed: 7, GuidanceScale: 3.5, Steps: 8}},
		{"zero guidance defaulted", Params{Seed: 1, Steps: 8}, Params{Seed: 1, GuidanceScale: DefaultGuidanceScale, Steps: 8}},
		{"negative steps defaulted", Params{Seed: 1, GuidanceScale: 2, Steps: -3}, Params{Seed: 1, GuidanceScale: 2, Steps: DefaultSteps}},
		{"nan guidance defaulted", Params{GuidanceScale: math.NaN(), Steps: 8}, Params{GuidanceScale: DefaultGuidanceScale, Steps: 8}},
		{"negative seed defaulted", Params{Seed: -1, GuidanceScale: 2, Steps: 8}, Params{Seed: 0, GuidanceScale: 2, Steps: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestParseParams(t *testing.T) {
	assert.Equal(t, Params{Seed: 3, GuidanceScale: 7.5, Steps: 32}, ParseParams("3", "7.5", "32"))
	assert.Equal(t, DefaultParams(), ParseParams("abc", "", "x"))
	assert.Equal(t, Params{Seed: 0, GuidanceScale: DefaultGuidanceScale, Steps: 12}, ParseParams(" ", "-1", " 12 "))
}

func TestInstructionOrFallback(t *testing.T) {
	assert.Equal(t, FallbackInstruction, InstructionOrFallback("   "))
	assert.Equal(t, "a red dragon", InstructionOrFallback("  a red dragon "))
}

func TestGenerationRequest_Validate(t *testing.T) {
	req := NewGenerationRequest("", DefaultParams())
	assert.ErrorIs(t, req.Validate(), ErrEmptyPrompt)

	req.Image = []byte{0x89, 'P', 'N', 'G'}
	assert.NoError(t, req.Validate())

	req = NewGenerationRequest("a chair", Params{})
	assert.NoError(t, req.Validate())
	assert.True(t, req.IsSessionless())
	assert.Equal(t, DefaultParams(), req.Params)
}

func TestArtifact_DownloadURL(t *testing.T) {
	a := &Artifact{EphemeralURL: "http://backend/x.glb"}
	assert.False(t, a.IsDurable())
	assert.Equal(t, "http://backend/x.glb", a.DownloadURL())

	a.DurableURL = "http://blobs/x.glb"
	assert.True(t, a.IsDurable())
	assert.Equal(t, "http://blobs/x.glb", a.DownloadURL())
}

func TestParamsFromFields(t *testing.T) {
	p := Params{Seed: 4, GuidanceScale: 12.5, Steps: 32}
	assert.Equal(t, p, ParamsFromFields(p.Fields()))

	decoded := map[string]any{"seed": 7.0, "guidance_scale": "bad"}
	assert.Equal(t, Params{Seed: 7, GuidanceScale: 15, Steps: 64}, ParamsFromFields(decoded))
	assert.Equal(t, DefaultParams(), ParamsFromFields(nil))
}
