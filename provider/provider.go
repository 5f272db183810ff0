package provider

import (
	"context"
	"fmt"
	"strings"

	outfit "github.com/chaodonghu/outfit-generator"
)

// Provider turns role-tagged images plus an instruction into one image.
//
// Invoke must only return *Error values (or nil). Each implementation owns
// its transport, its payload shape and the mapping of its backend's error
// vocabulary onto Kind.
type Provider interface {
	Invoke(ctx context.Context, request *Request) (*outfit.Image, error)

	// Name of the provider. E.g., "studio"
	Name() string

	// Model used by the provider. Part of the cache key.
	Model() string

	Shutdown() error
}

type RoleImage struct {
	Role  outfit.Role
	Image outfit.Image
}

type Request struct {
	Images      []RoleImage
	Instruction string
}

// ComposePrompt builds the text part sent alongside the images. Backends that
// take inline images get told which image fills which role, in order.
func ComposePrompt(request *Request) string {
	var builder strings.Builder
	builder.WriteString("Create a single photorealistic outfit image that combines the following items.\n")
	for index, image := range request.Images {
		fmt.Fprintf(&builder, "Image %d is the %s.\n", index+1, roleLabel(image.Role))
	}
	if instruction := strings.TrimSpace(request.Instruction); instruction != "" {
		builder.WriteString("Instructions: ")
		builder.WriteString(instruction)
		builder.WriteString("\n")
	}
	return builder.String()
}

func roleLabel(role outfit.Role) string {
	switch role {
	case outfit.RoleInspiration:
		return "style inspiration (match its mood, not its items)"
	case "":
		return "item"
	}
	return string(role)
}

// Describer turns one input image into a text description of the item it
// shows. Used by the first phase of a describe then synthesize provider.
type Describer interface {
	Describe(ctx context.Context, role outfit.Role, image outfit.Image) (string, error)
	Name() string
	Model() string
}

// Synthesizer renders a single image from a text prompt.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (*outfit.Image, error)
	Name() string
	Model() string
}

// DescribePrompt is the instruction sent to a vision model for one input.
func DescribePrompt(role outfit.Role) string {
	return fmt.Sprintf("Describe the %s in this image for a fashion illustrator in one or two sentences. "+
		"Cover garment type, color, pattern, material and fit. Reply with the description only.", roleLabel(role))
}
