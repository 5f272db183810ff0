package studio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/provider"
)

const (
	ProviderName = "studio"

	DefaultModel   = "gemini-2.5-flash-image-preview"
	defaultTimeout = 90 * time.Second
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string

	// Deadline for a single call. Exceeding it is a timeout failure.
	Timeout time.Duration
}

// Endpoint composes all role-tagged images and the instruction into one
// image with a single Gemini call.
type Endpoint struct {
	client  contentGenerator
	model   string
	timeout time.Duration
}

func NewEndpoint(ctx context.Context, config Config) (*Endpoint, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, err
	}
	return newEndpoint(client.Models, config), nil
}

func newEndpoint(client contentGenerator, config Config) *Endpoint {
	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Endpoint{client: client, model: model, timeout: timeout}
}

func (ep *Endpoint) Invoke(ctx context.Context, request *provider.Request) (*outfit.Image, error) {
	if len(request.Images) == 0 {
		return nil, provider.NewFatalError(ProviderName, "no input images")
	}

	parts := make([]*genai.Part, 0, len(request.Images)+1)
	parts = append(parts, &genai.Part{Text: provider.ComposePrompt(request)})
	for _, image := range request.Images {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: image.Image.MimeType,
				Data:     image.Image.Data,
			},
		})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	callCtx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	response, err := ep.client.GenerateContent(callCtx, ep.model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	return extractImage(response)
}

func (ep *Endpoint) Name() string {
	return ProviderName
}

func (ep *Endpoint) Model() string {
	return ep.model
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

func extractImage(response *genai.GenerateContentResponse) (*outfit.Image, error) {
	if response == nil {
		return nil, provider.NewFatalError(ProviderName, "empty response")
	}
	if feedback := response.PromptFeedback; feedback != nil && feedback.BlockReason != "" {
		message := fmt.Sprintf("request blocked: %s", feedback.BlockReason)
		if feedback.BlockReasonMessage != "" {
			message += ": " + feedback.BlockReasonMessage
		}
		return nil, provider.NewFatalError(ProviderName, message)
	}

	var texts []string
	var finishReason genai.FinishReason
	for _, candidate := range response.Candidates {
		if candidate == nil {
			continue
		}
		finishReason = candidate.FinishReason
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &outfit.Image{
					Data:     part.InlineData.Data,
					MimeType: part.InlineData.MIMEType,
				}, nil
			}
			if text := strings.TrimSpace(part.Text); text != "" {
				texts = append(texts, text)
			}
		}
	}

	message := "no image returned"
	if finishReason != "" && finishReason != genai.FinishReasonStop {
		message += fmt.Sprintf(" (finish reason %s)", finishReason)
	}
	if len(texts) > 0 {
		message += ": " + strings.Join(texts, " ")
	}
	return nil, provider.NewFatalError(ProviderName, message)
}

func classify(err error) *provider.Error {
	apiErr, ok := asAPIError(err)
	if !ok {
		return provider.Classify(ProviderName, err)
	}

	classified := provider.ClassifyStatus(ProviderName, apiErr.Code, retryDelay(apiErr), apiErr.Message)
	switch apiErr.Status {
	case "RESOURCE_EXHAUSTED":
		classified.Kind = provider.KindQuota
	case "DEADLINE_EXCEEDED", "UNAVAILABLE":
		classified.Kind = provider.KindTimeout
	}
	if apiErr.Code == http.StatusTooManyRequests {
		classified.Kind = provider.KindQuota
	}
	classified.Err = err
	return classified
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}

// Reads the google.rpc.RetryInfo detail. E.g., {"retryDelay": "12s"}
func retryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		if kind, _ := detail["@type"].(string); !strings.HasSuffix(kind, "google.rpc.RetryInfo") {
			continue
		}
		value, _ := detail["retryDelay"].(string)
		if delay, err := time.ParseDuration(value); err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}
