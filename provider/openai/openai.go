package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/provider"
)

const (
	ProviderName = "openai"

	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultDescribeModel = "gpt-4o-mini"
	DefaultImageModel    = "dall-e-3"
	DefaultImageSize     = "1024x1024"

	defaultTimeout   = 90 * time.Second
	maxResponseBytes = 32 << 20
)

type Config struct {
	APIKey        string
	BaseURL       string
	DescribeModel string
	ImageModel    string
	ImageSize     string
	Timeout       time.Duration
}

// Endpoint talks to an OpenAI compatible API. It describes inputs through
// chat completions with vision and renders images through images/generations.
type Endpoint struct {
	apiKey        string
	baseURL       *url.URL
	client        *http.Client
	describeModel string
	imageModel    string
	imageSize     string
	clock         clock.Clock
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func NewEndpoint(config Config) (*Endpoint, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsedBaseURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Endpoint{
		apiKey:        config.APIKey,
		baseURL:       parsedBaseURL,
		client:        &http.Client{Timeout: timeout},
		describeModel: orDefault(config.DescribeModel, DefaultDescribeModel),
		imageModel:    orDefault(config.ImageModel, DefaultImageModel),
		imageSize:     orDefault(config.ImageSize, DefaultImageSize),
		clock:         clock.New(),
	}, nil
}

func (p *Endpoint) Name() string {
	return ProviderName
}

// Model identifies both phases, since either one changes the output.
func (p *Endpoint) Model() string {
	return p.describeModel + "+" + p.imageModel
}

func (p *Endpoint) Shutdown() error {
	p.client.CloseIdleConnections()
	return nil
}

// AsDescriber exposes the vision phase on its own.
func (p *Endpoint) AsDescriber() provider.Describer {
	return describer{p}
}

// AsSynthesizer exposes the image phase on its own.
func (p *Endpoint) AsSynthesizer() provider.Synthesizer {
	return synthesizer{p}
}

type describer struct{ *Endpoint }

func (d describer) Model() string { return d.describeModel }

type synthesizer struct{ *Endpoint }

func (s synthesizer) Model() string { return s.imageModel }

func (p *Endpoint) Describe(ctx context.Context, role outfit.Role, img outfit.Image) (string, error) {
	request := chatRequest{
		Model: p.describeModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: provider.DescribePrompt(role)},
				{Type: "image_url", ImageURL: &imageURL{URL: image.ToDataURL(&img), Detail: "low"}},
			},
		}},
		MaxTokens: 300,
	}

	var response chatResponse
	if err := p.post(ctx, "chat/completions", request, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", provider.NewFatalError(ProviderName, "no choices in description response")
	}
	message := response.Choices[0].Message
	if message.Refusal != "" {
		return "", provider.NewFatalError(ProviderName, "description refused: "+message.Refusal)
	}
	description := strings.TrimSpace(message.Content)
	if description == "" {
		return "", provider.NewFatalError(ProviderName, "empty description")
	}
	return description, nil
}

func (p *Endpoint) Synthesize(ctx context.Context, prompt string) (*outfit.Image, error) {
	request := imageRequest{
		Model:          p.imageModel,
		Prompt:         prompt,
		N:              1,
		Size:           p.imageSize,
		ResponseFormat: "b64_json",
	}

	var response imageResponse
	if err := p.post(ctx, "images/generations", request, &response); err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, provider.NewFatalError(ProviderName, "no image in response")
	}

	data := response.Data[0]
	if data.B64JSON != "" {
		decoded, err := base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, provider.NewFatalError(ProviderName, fmt.Sprintf("invalid image payload: %v", err))
		}
		return &outfit.Image{Data: decoded, MimeType: http.DetectContentType(decoded)}, nil
	}
	if data.URL != "" {
		return p.download(ctx, data.URL)
	}
	return nil, provider.NewFatalError(ProviderName, "image response has neither b64_json nor url")
}

func (p *Endpoint) post(ctx context.Context, path string, request any, response any) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return provider.NewFatalError(ProviderName, fmt.Sprintf("failed to marshal request: %v", err))
	}

	endpointPath, err := url.JoinPath(p.baseURL.String(), path)
	if err != nil {
		return provider.NewFatalError(ProviderName, fmt.Sprintf("failed to build endpoint path: %v", err))
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointPath, bytes.NewReader(jsonData))
	if err != nil {
		return provider.NewFatalError(ProviderName, fmt.Sprintf("failed to create request: %v", err))
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return provider.Classify(ProviderName, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return provider.Classify(ProviderName, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		return p.classifyResponse(httpResponse, body)
	}

	if err := json.Unmarshal(body, response); err != nil {
		return provider.NewFatalError(ProviderName, fmt.Sprintf("failed to decode response: %v", err))
	}
	return nil
}

func (p *Endpoint) classifyResponse(httpResponse *http.Response, body []byte) *provider.Error {
	retryAfter := provider.ParseRetryAfter(httpResponse.Header.Get("Retry-After"), p.clock.Now())

	var errResponse errorResponse
	message := strings.TrimSpace(string(body))
	code := ""
	if err := json.Unmarshal(body, &errResponse); err == nil && errResponse.Error.Message != "" {
		message = errResponse.Error.Message
		code = fmt.Sprint(errResponse.Error.Code)
	}

	classified := provider.ClassifyStatus(ProviderName, httpResponse.StatusCode, retryAfter, message)
	switch code {
	case "insufficient_quota", "rate_limit_exceeded":
		classified.Kind = provider.KindQuota
	}
	if errResponse.Error.Type == "insufficient_quota" {
		classified.Kind = provider.KindQuota
	}
	return classified
}

func (p *Endpoint) download(ctx context.Context, imageURL string) (*outfit.Image, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, provider.NewFatalError(ProviderName, fmt.Sprintf("invalid image URL: %v", err))
	}
	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return nil, provider.Classify(ProviderName, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, provider.ClassifyStatus(ProviderName, httpResponse.StatusCode, 0, "failed to download generated image")
	}
	data, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.Classify(ProviderName, err)
	}

	mimeType := httpResponse.Header.Get("Content-Type")
	if _, ok := image.ToImageType(mimeType); !ok {
		mimeType = http.DetectContentType(data)
	}
	return &outfit.Image{Data: data, MimeType: mimeType}, nil
}

func orDefault(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
