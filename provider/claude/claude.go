package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/benbjohnson/clock"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/provider"
)

const (
	ProviderName = "claude"

	DefaultModel = "claude-3-5-haiku-latest"

	maxDescriptionTokens = 300

	// Anthropic returns this when the API is temporarily overloaded.
	statusOverloaded = 529
)

type anthropicClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Endpoint describes input images with a Claude vision model. It only serves
// the describe phase; it cannot render images.
type Endpoint struct {
	client anthropicClient
	model  string
	clock  clock.Clock
}

func NewEndpoint(apiKey string, model string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newEndpoint(&client.Messages, model), nil
}

func newEndpoint(client anthropicClient, model string) *Endpoint {
	if model == "" {
		model = DefaultModel
	}
	return &Endpoint{client: client, model: model, clock: clock.New()}
}

func (ep *Endpoint) Name() string {
	return ProviderName
}

func (ep *Endpoint) Model() string {
	return ep.model
}

func (ep *Endpoint) Describe(ctx context.Context, role outfit.Role, img outfit.Image) (string, error) {
	mimeType, ok := image.ToImageType(img.MimeType)
	if !ok {
		return "", provider.NewFatalError(ProviderName, fmt.Sprintf("unsupported image type %q", img.MimeType))
	}

	message, err := ep.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(ep.model),
		MaxTokens: int64(maxDescriptionTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(string(mimeType), base64.StdEncoding.EncodeToString(img.Data)),
				anthropic.NewTextBlock(provider.DescribePrompt(role)),
			),
		},
	})
	if err != nil {
		return "", ep.classify(err)
	}

	var texts []string
	for _, block := range message.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			texts = append(texts, strings.TrimSpace(block.Text))
		}
	}
	if len(texts) == 0 {
		return "", provider.NewFatalError(ProviderName, fmt.Sprintf("empty description (stop reason %s)", message.StopReason))
	}
	return strings.Join(texts, " "), nil
}

func (ep *Endpoint) classify(err error) *provider.Error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return provider.Classify(ProviderName, err)
	}

	var retryAfter time.Duration
	message := fmt.Sprintf("anthropic API error (status %d)", apiErr.StatusCode)
	if apiErr.Response != nil {
		retryAfter = provider.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), ep.clock.Now())
		if apiErr.Request != nil {
			message = apiErr.Error()
		}
	}

	classified := provider.ClassifyStatus(ProviderName, apiErr.StatusCode, retryAfter, message)
	if apiErr.StatusCode == statusOverloaded {
		classified.Kind = provider.KindTimeout
	}
	classified.Err = err
	return classified
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

var _ provider.Describer = (*Endpoint)(nil)
