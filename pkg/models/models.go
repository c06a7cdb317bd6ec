package models

import (
	"errors"
	"math"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyPrompt  = errors.New("prompt cannot be empty")
	ErrNoImageData  = errors.New("image data is required for image-to-3D")
	ErrNoSessionID  = errors.New("session id is required")
	ErrNoArtifactID = errors.New("artifact id is required")
)

const (
	DefaultSeed          = 0
	DefaultGuidanceScale = 15.0
	DefaultSteps         = 64

	DefaultSessionTitle = "My 3D Session"
	FallbackInstruction = "Create a simple low-poly object."

	// GLBContentType is the media type durable blobs are uploaded with.
	GLBContentType = "model/gltf-binary"
)

type AssetFormat string

const (
	FormatGLB  AssetFormat = "glb"
	FormatGLTF AssetFormat = "gltf"
	FormatZIP  AssetFormat = "zip"
	FormatPLY  AssetFormat = "ply"
	FormatOBJ  AssetFormat = "obj"
)

// ValidFormats is ordered by preference.
func ValidFormats() []AssetFormat {
	return []AssetFormat{FormatGLB, FormatGLTF, FormatZIP, FormatPLY, FormatOBJ}
}

func (f AssetFormat) IsValid() bool {
	return slices.Contains(ValidFormats(), f)
}

func (f AssetFormat) String() string {
	return string(f)
}

// FormatFromURL guesses the asset format from the URL path extension and
// falls back to GLB.
func FormatFromURL(rawURL string) AssetFormat {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if f := AssetFormat(ext); f.IsValid() {
		return f
	}
	return FormatGLB
}

// Params are the generation parameters shared by every backend call.
type Params struct {
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

func DefaultParams() Params {
	return Params{
		Seed:          DefaultSeed,
		GuidanceScale: DefaultGuidanceScale,
		Steps:         DefaultSteps,
	}
}

// Normalize replaces values the backend cannot use with defaults.
// Malformed parameters are never reported as errors.
func (p Params) Normalize() Params {
	if p.Seed < 0 {
		p.Seed = DefaultSeed
	}
	if p.GuidanceScale <= 0 || math.IsNaN(p.GuidanceScale) || math.IsInf(p.GuidanceScale, 0) {
		p.GuidanceScale = DefaultGuidanceScale
	}
	if p.Steps <= 0 {
		p.Steps = DefaultSteps
	}
	return p
}

// Fields is the document form of p, keyed like the backend's JSON.
func (p Params) Fields() map[string]any {
	return map[string]any{
		"seed":                p.Seed,
		"guidance_scale":      p.GuidanceScale,
		"num_inference_steps": p.Steps,
	}
}

// ParamsFromFields reads params back from a decoded document. Missing or
// malformed values fall back to defaults.
func ParamsFromFields(m map[string]any) Params {
	p := DefaultParams()
	if v, ok := number(m["seed"]); ok {
		p.Seed = int(v)
	}
	if v, ok := number(m["guidance_scale"]); ok {
		p.GuidanceScale = v
	}
	if v, ok := number(m["num_inference_steps"]); ok {
		p.Steps = int(v)
	}
	return p.Normalize()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ParseParams converts raw form values, defaulting anything that does not
// parse.
func ParseParams(seed, guidance, steps string) Params {
	p := DefaultParams()
	if v, err := strconv.Atoi(strings.TrimSpace(seed)); err == nil {
		p.Seed = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(guidance), 64); err == nil {
		p.GuidanceScale = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(steps)); err == nil {
		p.Steps = v
	}
	return p.Normalize()
}

// InstructionOrFallback trims the instruction and substitutes the default
// prompt when nothing is left.
func InstructionOrFallback(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackInstruction
	}
	return text
}

type GenerationRequest struct {
	Instruction string
	SessionID   string
	Params      Params
	Image       []byte
}

func NewGenerationRequest(instruction string, params Params) *GenerationRequest {
	return &GenerationRequest{
		Instruction: instruction,
		Params:      params.Normalize(),
	}
}

func (r *GenerationRequest) IsSessionless() bool {
	return r.SessionID == ""
}

func (r *GenerationRequest) Validate() error {
	if len(r.Image) > 0 {
		return nil
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// GenerationResult is what the backend returns for a generated asset. URL is
// absolute once the client has resolved it.
type GenerationResult struct {
	ID  string
	URL string
}

type BatchItem struct {
	Seed int
	URL  string
}

type SessionItem struct {
	ID        string
	Prompt    string
	Params    Params
	URL       string
	CreatedAt time.Time
}

type BackendSession struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Items     []SessionItem
}

type Artifact struct {
	ID           string
	SessionID    string
	Prompt       string
	Params       Params
	EphemeralURL string
	StoragePath  string
	DurableURL   string
	CreatedAt    time.Time
}

func (a *Artifact) IsDurable() bool {
	return a.DurableURL != ""
}

// DownloadURL prefers the durable copy.
func (a *Artifact) DownloadURL() string {
	if a.DurableURL != "" {
		return a.DurableURL
	}
	return a.EphemeralURL
}

type HistoryEntry struct {
	ID        string
	Prompt    string
	URL       string
	CreatedAt time.Time
}
