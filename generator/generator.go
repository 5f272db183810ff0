package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/cache"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/provider"
	"github.com/chaodonghu/outfit-generator/rate"
	"github.com/chaodonghu/outfit-generator/retry"
	"github.com/chaodonghu/outfit-generator/state"
)

const blobCategory = "outfits"

type ErrorKind string

const (
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindBusy           ErrorKind = "busy"
	ErrorKindCanceled       ErrorKind = "canceled"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindQuota          ErrorKind = ErrorKind(provider.KindQuota)
	ErrorKindTimeout        ErrorKind = ErrorKind(provider.KindTimeout)
	ErrorKindFatal          ErrorKind = ErrorKind(provider.KindFatal)
)

// Result is what Generate hands back. Failures never escape as Go errors.
type Result struct {
	Success  bool   `json:"success"`
	ImageRef string `json:"image_ref,omitempty"`

	// User facing explanation. Empty on success.
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Produced by the local fallback rather than a provider.
	Degraded bool `json:"degraded"`

	// Served from either cache tier without calling a provider.
	Cached bool `json:"cached"`

	Provider string `json:"provider,omitempty"`

	// Suggested wait before retrying. Set for rate_limited and quota failures.
	WaitTime time.Duration `json:"-"`
}

func (r Result) outcome() string {
	switch {
	case !r.Success:
		return string(r.ErrorKind)
	case r.Cached:
		return "cached"
	case r.Degraded:
		return "degraded"
	}
	return "success"
}

type ImageLoader interface {
	Load(ctx context.Context, ref string) (*outfit.Image, error)
}

type Preprocessor interface {
	Prepare(img *outfit.Image) (*outfit.Image, error)
}

type Compositor interface {
	Compose(ctx context.Context, upper *outfit.Image, lower *outfit.Image) (*outfit.Image, error)
}

type Dependencies struct {
	Provider     provider.Provider
	Cache        *cache.Layer
	Limiter      *rate.Limiter
	Retrier      *retry.Controller
	Loader       ImageLoader
	Preprocessor Preprocessor

	// Where generated images are uploaded. Nil keeps them inline as data URLs.
	Blobs state.BlobStore

	// Nil disables the degraded fallback.
	Fallback Compositor

	Metrics *monitoring.Metrics
	Logger  *zap.SugaredLogger
}

// Generator owns one generation pipeline: cache, single-flight guard, rate
// limiter, retries and fallback around a single provider.
type Generator struct {
	provider     provider.Provider
	cache        *cache.Layer
	guard        *Guard
	limiter      *rate.Limiter
	retrier      *retry.Controller
	loader       ImageLoader
	preprocessor Preprocessor
	blobs        state.BlobStore
	fallback     Compositor
	metrics      *monitoring.Metrics
	logger       *zap.SugaredLogger
	clock        clock.Clock
}

func New(deps Dependencies) (*Generator, error) {
	switch {
	case deps.Provider == nil:
		return nil, fmt.Errorf("provider is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Retrier == nil:
		return nil, fmt.Errorf("retry controller is required")
	case deps.Loader == nil:
		return nil, fmt.Errorf("image loader is required")
	case deps.Preprocessor == nil:
		return nil, fmt.Errorf("preprocessor is required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	return &Generator{
		provider:     deps.Provider,
		cache:        deps.Cache,
		guard:        NewGuard(),
		limiter:      deps.Limiter,
		retrier:      deps.Retrier,
		loader:       deps.Loader,
		preprocessor: deps.Preprocessor,
		blobs:        deps.Blobs,
		fallback:     deps.Fallback,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		clock:        clock.New(),
	}, nil
}

// Generate runs one request end to end. The request's release callback runs
// exactly once before Generate returns.
func (g *Generator) Generate(ctx context.Context, request outfit.GenerationRequest) Result {
	defer request.Release()

	start := g.clock.Now()
	ctx, span := monitoring.Tracer().Start(ctx, "outfit.generate", trace.WithAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.String("model", g.provider.Model()),
		attribute.Int("inputs", len(request.Inputs())),
	))
	defer span.End()

	result := g.generate(ctx, request)
	result.Provider = g.provider.Name()

	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Bool("cached", result.Cached),
		attribute.Bool("degraded", result.Degraded),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	g.metrics.RecordGeneration(ctx, result.outcome(), g.clock.Since(start))
	return result
}

func (g *Generator) generate(ctx context.Context, request outfit.GenerationRequest) Result {
	key := cache.NewKey(g.provider.Name(), g.provider.Model(), request)
	if result, ok := g.cached(ctx, key); ok {
		return result
	}

	if !g.guard.TryAcquire(key.Content) {
		g.metrics.RecordGuardRejection()
		g.logger.Infow("Rejected duplicate in-flight generation", "key", key.Content)
		return failure(ErrorKindBusy, "This outfit is already being generated. Please wait for it to finish.", 0)
	}
	defer g.guard.Release(key.Content)

	// Another request may have finished this key between the lookup and the
	// guard. The miss is already counted.
	if cached, ok := g.cache.Peek(key); ok {
		g.logger.Infow("Serving outfit finished by a concurrent request", "key", key.Content)
		return Result{Success: true, ImageRef: cached.ImageRef, Degraded: cached.Degraded(), Cached: true}
	}

	// A canceled request must not spend rate budget.
	if ctx.Err() != nil {
		return failure(ErrorKindCanceled, "The request was canceled.", 0)
	}

	decision := g.limiter.Acquire()
	if !decision.Allowed {
		g.metrics.RecordRateLimitDenial(string(decision.Reason))
		return failure(ErrorKindRateLimited, rateLimitMessage(decision), decision.Wait)
	}

	inputs, err := g.prepareInputs(ctx, request)
	if err != nil {
		return g.inputFailure(ctx, err)
	}

	providerRequest := &provider.Request{Images: inputs, Instruction: request.Instruction()}
	generated, err := g.retrier.Execute(ctx, g.provider.Name(), func(ctx context.Context, attempt int) (*outfit.Image, error) {
		return g.invoke(ctx, providerRequest, attempt)
	})
	if err == nil {
		imageRef := g.upload(ctx, key, generated)
		g.cache.Store(ctx, key, outfit.CachedResult{
			ImageRef:   imageRef,
			Provenance: outfit.ProvenanceGenerated,
			CreatedAt:  g.clock.Now(),
		})
		return Result{Success: true, ImageRef: imageRef}
	}

	if ctx.Err() != nil {
		return failure(ErrorKindCanceled, "The request was canceled.", 0)
	}

	kind, message, wait := classifyFailure(err)
	if composite, ok := g.tryFallback(ctx, inputs); ok {
		g.logger.Warnw("Provider failed, serving degraded fallback",
			"provider", g.provider.Name(), "kind", kind, "exhausted", retry.IsExhausted(err), "error", err)
		imageRef := g.upload(ctx, key, composite)
		g.cache.Store(ctx, key, outfit.CachedResult{
			ImageRef:   imageRef,
			Provenance: outfit.ProvenanceDegraded,
			CreatedAt:  g.clock.Now(),
		})
		return Result{Success: true, ImageRef: imageRef, Degraded: true}
	}
	return failure(kind, message, wait)
}

func (g *Generator) cached(ctx context.Context, key cache.Key) (Result, bool) {
	cached, tier, ok := g.cache.Lookup(ctx, key)
	if !ok {
		return Result{}, false
	}
	g.logger.Infow("Serving cached outfit", "key", key.Content, "tier", tier)
	return Result{Success: true, ImageRef: cached.ImageRef, Degraded: cached.Degraded(), Cached: true}, true
}

func (g *Generator) invoke(ctx context.Context, request *provider.Request, attempt int) (*outfit.Image, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "outfit.provider.invoke", trace.WithAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	generated, err := g.provider.Invoke(ctx, request)
	if err != nil {
		classified := provider.Classify(g.provider.Name(), err)
		g.metrics.RecordProviderAttempt(g.provider.Name(), string(classified.Kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(classified.Kind))
		return nil, classified
	}
	if generated == nil || len(generated.Data) == 0 {
		g.metrics.RecordProviderAttempt(g.provider.Name(), string(provider.KindFatal))
		span.SetStatus(codes.Error, "empty image")
		return nil, provider.NewFatalError(g.provider.Name(), "provider returned no image data")
	}
	g.metrics.RecordProviderAttempt(g.provider.Name(), "success")
	return generated, nil
}

func (g *Generator) prepareInputs(ctx context.Context, request outfit.GenerationRequest) ([]provider.RoleImage, error) {
	inputs := request.Inputs()
	prepared := make([]provider.RoleImage, 0, len(inputs))
	for _, input := range inputs {
		loaded, err := g.loader.Load(ctx, input.Ref)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s image: %w", input.Role, err)
		}
		processed, err := g.preprocessor.Prepare(loaded)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s image: %w", input.Role, err)
		}
		prepared = append(prepared, provider.RoleImage{Role: input.Role, Image: *processed})
	}
	return prepared, nil
}

func (g *Generator) inputFailure(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return failure(ErrorKindCanceled, "The request was canceled.", 0)
	}
	g.logger.Warnw("Failed to prepare inputs", "error", err)
	if errors.Is(err, image.ErrInvalidImage) {
		return failure(ErrorKindInvalidRequest, err.Error(), 0)
	}
	return failure(ErrorKindFatal, err.Error(), 0)
}

// tryFallback composes the top and bottom inputs, or the first two inputs
// when those roles are missing.
func (g *Generator) tryFallback(ctx context.Context, inputs []provider.RoleImage) (*outfit.Image, bool) {
	if g.fallback == nil {
		return nil, false
	}
	upper, lower := pickFallbackPair(inputs)
	if upper == nil || lower == nil {
		g.logger.Warnw("Fallback needs two input images", "inputs", len(inputs))
		return nil, false
	}

	composite, err := g.fallback.Compose(ctx, upper, lower)
	if err != nil {
		g.logger.Warnw("Fallback composite failed", "error", err)
		return nil, false
	}
	return composite, true
}

func pickFallbackPair(inputs []provider.RoleImage) (*outfit.Image, *outfit.Image) {
	var top, bottom *outfit.Image
	for index := range inputs {
		switch inputs[index].Role {
		case outfit.RoleTop:
			if top == nil {
				top = &inputs[index].Image
			}
		case outfit.RoleBottom:
			if bottom == nil {
				bottom = &inputs[index].Image
			}
		}
	}
	if top != nil && bottom != nil {
		return top, bottom
	}
	if len(inputs) < 2 {
		return nil, nil
	}
	return &inputs[0].Image, &inputs[1].Image
}

// upload stores the image and returns its reference. Storage failures
// degrade to an inline data URL.
func (g *Generator) upload(ctx context.Context, key cache.Key, img *outfit.Image) string {
	if g.blobs == nil {
		return image.ToDataURL(img)
	}

	name := blobName(key, img.MimeType)
	ref, err := g.blobs.UploadBlob(ctx, blobCategory, img.Data, name)
	if err != nil {
		g.metrics.RecordStorageDegraded("upload")
		g.logger.Warnw("Failed to upload generated image, returning it inline", "name", name, "error", err)
		return image.ToDataURL(img)
	}
	return ref
}

func blobName(key cache.Key, mimeType string) string {
	fingerprint := key.Content[strings.LastIndex(key.Content, ":")+1:]
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	extension := ".jpg"
	switch image.ImageType(mimeType) {
	case image.ImageTypePNG:
		extension = ".png"
	case image.ImageTypeWebP:
		extension = ".webp"
	case image.ImageTypeGIF:
		extension = ".gif"
	}
	return "outfit-" + fingerprint + extension
}

func classifyFailure(err error) (ErrorKind, string, time.Duration) {
	var retryErr *retry.Error
	if errors.As(err, &retryErr) && retryErr.Cause != nil {
		var wait time.Duration
		switch retryErr.Cause.Kind {
		case provider.KindQuota, provider.KindTimeout:
			wait = retryErr.Wait
		}
		return ErrorKind(retryErr.Cause.Kind), retryErr.Message, wait
	}
	return ErrorKindFatal, err.Error(), 0
}

func rateLimitMessage(decision rate.Decision) string {
	seconds := int(math.Ceil(decision.Wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	if decision.Reason == rate.ReasonCooldown {
		return fmt.Sprintf("Please wait %d seconds between generations.", seconds)
	}
	return fmt.Sprintf("Too many generations in a short time. Please wait %d seconds and try again.", seconds)
}

func failure(kind ErrorKind, message string, wait time.Duration) Result {
	return Result{Success: false, Error: message, ErrorKind: kind, WaitTime: wait}
}

// ClearCache drops the memory tier. Durable entries are left alone.
func (g *Generator) ClearCache() {
	g.cache.Clear()
	g.logger.Infow("Cleared memory cache")
}

func (g *Generator) ReconfigureRateLimit(config rate.Config) error {
	return g.limiter.Reconfigure(config)
}

func (g *Generator) RateLimitStatus() rate.Status {
	return g.limiter.Status()
}

func (g *Generator) CacheStats() cache.Stats {
	return g.cache.Stats()
}

func (g *Generator) Shutdown() error {
	return g.provider.Shutdown()
}
