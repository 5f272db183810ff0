package describe

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/provider"
)

const ProviderName = "describe"

// Endpoint is a two phase provider. Each input is turned into text by a
// vision model, then a single text-to-image call renders the outfit from the
// combined descriptions.
type Endpoint struct {
	describer   provider.Describer
	synthesizer provider.Synthesizer

	// Upper bound on concurrent describe calls.
	concurrency int
}

func NewEndpoint(describer provider.Describer, synthesizer provider.Synthesizer, concurrency int) (*Endpoint, error) {
	if describer == nil || synthesizer == nil {
		return nil, fmt.Errorf("describer and synthesizer are required")
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Endpoint{describer: describer, synthesizer: synthesizer, concurrency: concurrency}, nil
}

func (ep *Endpoint) Name() string {
	return ProviderName
}

// Model is e.g. "claude:claude-3-5-haiku-latest>openai:dall-e-3".
func (ep *Endpoint) Model() string {
	return fmt.Sprintf("%s:%s>%s:%s", ep.describer.Name(), ep.describer.Model(), ep.synthesizer.Name(), ep.synthesizer.Model())
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

func (ep *Endpoint) Invoke(ctx context.Context, request *provider.Request) (*outfit.Image, error) {
	if len(request.Images) == 0 {
		return nil, provider.NewFatalError(ProviderName, "no input images")
	}

	descriptions := make([]string, len(request.Images))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ep.concurrency)
	for index, input := range request.Images {
		group.Go(func() error {
			description, err := ep.describer.Describe(groupCtx, input.Role, input.Image)
			if err != nil {
				return err
			}
			descriptions[index] = description
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, provider.Classify(ep.describer.Name(), err)
	}

	image, err := ep.synthesizer.Synthesize(ctx, SynthesisPrompt(request, descriptions))
	if err != nil {
		return nil, provider.Classify(ep.synthesizer.Name(), err)
	}
	return image, nil
}

// SynthesisPrompt merges per-item descriptions into one text-to-image prompt.
// descriptions[i] belongs to request.Images[i].
func SynthesisPrompt(request *provider.Request, descriptions []string) string {
	var builder strings.Builder
	builder.WriteString("A photorealistic full-body fashion photo of one model wearing a complete outfit, plain light background.\n")

	var inspiration []string
	for index, input := range request.Images {
		description := strings.TrimSpace(descriptions[index])
		if input.Role == outfit.RoleInspiration {
			inspiration = append(inspiration, description)
			continue
		}
		fmt.Fprintf(&builder, "%s: %s\n", capitalize(string(input.Role)), description)
	}
	if len(inspiration) > 0 {
		builder.WriteString("Overall mood and styling inspired by: ")
		builder.WriteString(strings.Join(inspiration, " "))
		builder.WriteString("\n")
	}
	if instruction := strings.TrimSpace(request.Instruction); instruction != "" {
		builder.WriteString("Additional instructions: ")
		builder.WriteString(instruction)
		builder.WriteString("\n")
	}
	return builder.String()
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
