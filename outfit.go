package outfit

import (
	"fmt"
	"strings"
	"time"
)

// Role names the slot an input image fills in the composed outfit.
type Role string

const (
	RoleTop         Role = "top"
	RoleBottom      Role = "bottom"
	RoleShoes       Role = "shoes"
	RoleInspiration Role = "inspiration"
)

// ImageInput is a single named image of a generation request.
type ImageInput struct {
	// Slot of the image. E.g., "top"
	Role Role `json:"role" yaml:"role"`

	// Reference to the image: a data URL, an http(s) URL or a local path.
	Ref string `json:"ref" yaml:"ref"`

	// Stable identifier of the wardrobe item, if known. Used for the durable
	// cache key so results survive across sessions even when Ref changes.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
}

// GenerationRequest is an immutable request to compose one outfit image.
type GenerationRequest struct {
	inputs      []ImageInput
	instruction string
	release     func()
}

type RequestOption func(*GenerationRequest)

// WithRelease registers a callback that frees externally allocated resources
// tied to the request (e.g., temporary upload URLs). The generator calls it
// exactly once, whatever the outcome.
func WithRelease(release func()) RequestOption {
	return func(r *GenerationRequest) {
		r.release = release
	}
}

func NewGenerationRequest(inputs []ImageInput, instruction string, opts ...RequestOption) (GenerationRequest, error) {
	if len(inputs) == 0 {
		return GenerationRequest{}, fmt.Errorf("at least one input image is required")
	}
	for index, input := range inputs {
		if strings.TrimSpace(input.Ref) == "" {
			return GenerationRequest{}, fmt.Errorf("input %d (%s) has no image reference", index, input.Role)
		}
		if input.Role == "" {
			return GenerationRequest{}, fmt.Errorf("input %d has no role", index)
		}
	}

	request := GenerationRequest{
		inputs:      append([]ImageInput(nil), inputs...),
		instruction: instruction,
	}
	for _, opt := range opts {
		opt(&request)
	}
	return request, nil
}

// Inputs returns a copy of the ordered inputs.
func (r GenerationRequest) Inputs() []ImageInput {
	return append([]ImageInput(nil), r.inputs...)
}

func (r GenerationRequest) Instruction() string {
	return r.instruction
}

// Input returns the first input with the given role.
func (r GenerationRequest) Input(role Role) (ImageInput, bool) {
	for _, input := range r.inputs {
		if input.Role == role {
			return input, true
		}
	}
	return ImageInput{}, false
}

// HasIdentity reports whether every input carries a stable ID.
func (r GenerationRequest) HasIdentity() bool {
	for _, input := range r.inputs {
		if input.ID == "" {
			return false
		}
	}
	return len(r.inputs) > 0
}

// Release invokes the release callback, if any. Safe to call on a request
// without one.
func (r GenerationRequest) Release() {
	if r.release != nil {
		r.release()
	}
}

// Image is an encoded image payload.
type Image struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

type Provenance string

const (
	ProvenanceGenerated Provenance = "generated"
	ProvenanceDegraded  Provenance = "degraded-fallback"
)

// CachedResult is owned by the cache layer. Never mutated, only inserted or
// superseded.
type CachedResult struct {
	ImageRef   string     `json:"image_ref"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (c CachedResult) Degraded() bool {
	return c.Provenance == ProvenanceDegraded
}
