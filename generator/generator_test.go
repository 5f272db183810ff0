package generator

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/cache"
	"github.com/chaodonghu/outfit-generator/fallback"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/provider"
	"github.com/chaodonghu/outfit-generator/rate"
	"github.com/chaodonghu/outfit-generator/retry"
	"github.com/chaodonghu/outfit-generator/state"
)

// instantTimer fires as soon as it is started.
type instantTimer struct {
	fired chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.fired = make(chan time.Time, 1)
	t.fired <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	return t.fired
}

type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	results []error

	// Signalled on every call when set.
	entered chan struct{}
	// Invoke waits on it when set.
	block chan struct{}
}

func (p *scriptedProvider) Invoke(ctx context.Context, request *provider.Request) (*outfit.Image, error) {
	p.mu.Lock()
	index := p.calls
	p.calls++
	p.mu.Unlock()

	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if index < len(p.results) && p.results[index] != nil {
		return nil, p.results[index]
	}
	return &outfit.Image{Data: []byte("generated outfit"), MimeType: "image/png"}, nil
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) Model() string   { return "v1" }
func (p *scriptedProvider) Shutdown() error { return nil }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	generator *Generator
	provider  *scriptedProvider
	durable   *state.MemoryManager
	blobFs    afero.Fs
}

type fixtureOption func(*Dependencies)

func withRateLimit(config rate.Config) fixtureOption {
	return func(deps *Dependencies) {
		limiter, err := rate.NewLimiter(config, deps.Logger)
		if err != nil {
			panic(err)
		}
		deps.Limiter = limiter
	}
}

func withoutFallback() fixtureOption {
	return func(deps *Dependencies) {
		deps.Fallback = nil
	}
}

func withBlobs(blobs state.BlobStore) fixtureOption {
	return func(deps *Dependencies) {
		deps.Blobs = blobs
	}
}

func withMetrics(metrics *monitoring.Metrics) fixtureOption {
	return func(deps *Dependencies) {
		deps.Metrics = metrics
	}
}

func pngFile(t *testing.T, fs afero.Fs, path string, fill color.Color) {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, fill)
		}
	}
	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, img))
	require.NoError(t, afero.WriteFile(fs, path, buffer.Bytes(), 0o644))
}

func newFixture(t *testing.T, p *scriptedProvider, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	wardrobe := afero.NewMemMapFs()
	pngFile(t, wardrobe, "/wardrobe/top.png", color.RGBA{R: 200, A: 255})
	pngFile(t, wardrobe, "/wardrobe/bottom.png", color.RGBA{B: 200, A: 255})
	pngFile(t, wardrobe, "/wardrobe/shoes.png", color.Black)
	require.NoError(t, afero.WriteFile(wardrobe, "/wardrobe/notes.png", []byte("not an image"), 0o644))

	durable := state.NewMemoryManager()
	blobFs := afero.NewMemMapFs()

	limiter, err := rate.NewLimiter(rate.Config{Window: time.Minute, MaxCalls: 100}, logger)
	require.NoError(t, err)
	retrier, err := retry.NewController(retry.DefaultPolicy(), logger,
		retry.WithTimer(func() backoff.Timer { return &instantTimer{} }))
	require.NoError(t, err)
	preprocessor, err := image.NewPreprocessor(image.DefaultPreprocessConfig())
	require.NoError(t, err)
	compositor, err := fallback.NewCompositor(fallback.DefaultConfig())
	require.NoError(t, err)

	deps := Dependencies{
		Provider:     p,
		Cache:        cache.NewLayer(durable, nil, logger),
		Limiter:      limiter,
		Retrier:      retrier,
		Loader:       image.NewLoader(wardrobe),
		Preprocessor: preprocessor,
		Blobs:        state.NewFileBlobStore(blobFs, "/blobs", ""),
		Fallback:     compositor,
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	generator, err := New(deps)
	require.NoError(t, err)
	return &fixture{generator: generator, provider: p, durable: durable, blobFs: blobFs}
}

func outfitRequest(t *testing.T, instruction string, withIDs bool, opts ...outfit.RequestOption) outfit.GenerationRequest {
	t.Helper()
	inputs := []outfit.ImageInput{
		{Role: outfit.RoleTop, Ref: "/wardrobe/top.png"},
		{Role: outfit.RoleBottom, Ref: "/wardrobe/bottom.png"},
		{Role: outfit.RoleShoes, Ref: "/wardrobe/shoes.png"},
	}
	if withIDs {
		for index := range inputs {
			inputs[index].ID = "item-" + string(inputs[index].Role)
		}
	}
	request, err := outfit.NewGenerationRequest(inputs, instruction, opts...)
	require.NoError(t, err)
	return request
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.ErrorContains(t, err, "provider is required")

	_, err = New(Dependencies{Provider: &scriptedProvider{}})
	assert.ErrorContains(t, err, "cache is required")
}

func TestGenerate_Success(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	result := f.generator.Generate(context.Background(), outfitRequest(t, "smart casual", false))
	require.True(t, result.Success, result.Error)
	assert.False(t, result.Degraded)
	assert.False(t, result.Cached)
	assert.Equal(t, "scripted", result.Provider)
	assert.True(t, strings.HasPrefix(result.ImageRef, "file:///blobs/outfits/"), result.ImageRef)
	assert.True(t, strings.HasSuffix(result.ImageRef, ".png"), result.ImageRef)

	stored, err := afero.ReadFile(f.blobFs, strings.TrimPrefix(result.ImageRef, "file://"))
	require.NoError(t, err)
	assert.Equal(t, []byte("generated outfit"), stored)
}

func TestGenerate_CacheIdempotence(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	first := f.generator.Generate(ctx, outfitRequest(t, "smart casual", false))
	require.True(t, first.Success)

	second := f.generator.Generate(ctx, outfitRequest(t, "smart casual", false))
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ImageRef, second.ImageRef)
	assert.Equal(t, 1, f.provider.Calls())

	third := f.generator.Generate(ctx, outfitRequest(t, "black tie", false))
	require.True(t, third.Success)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestGenerate_CountsOneMissPerRequest(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	require.True(t, f.generator.Generate(ctx, outfitRequest(t, "brunch", false)).Success)
	assert.EqualValues(t, 1, f.generator.CacheStats().Misses)

	require.True(t, f.generator.Generate(ctx, outfitRequest(t, "brunch", false)).Cached)
	stats := f.generator.CacheStats()
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.MemoryHits)
}

func TestGenerate_ClearCache(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	require.True(t, f.generator.Generate(ctx, outfitRequest(t, "", false)).Success)
	f.generator.ClearCache()
	assert.Equal(t, 0, f.generator.CacheStats().MemoryEntries)

	result := f.generator.Generate(ctx, outfitRequest(t, "", false))
	require.True(t, result.Success)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestGenerate_DurableTier(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx := context.Background()

	first := f.generator.Generate(ctx, outfitRequest(t, "weekend", true))
	require.True(t, first.Success)

	key := cache.NewKey("scripted", "v1", outfitRequest(t, "weekend", true))
	record, err := f.durable.GetByIdentity(ctx, key.Identity)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, first.ImageRef, record.ImageRef)

	// A new session: memory is gone and the image paths changed, but the
	// item IDs still resolve through the durable tier.
	f.generator.ClearCache()
	moved, err := outfit.NewGenerationRequest([]outfit.ImageInput{
		{Role: outfit.RoleTop, Ref: "/tmp/upload-1.png", ID: "item-top"},
		{Role: outfit.RoleBottom, Ref: "/tmp/upload-2.png", ID: "item-bottom"},
		{Role: outfit.RoleShoes, Ref: "/tmp/upload-3.png", ID: "item-shoes"},
	}, "weekend")
	require.NoError(t, err)

	second := f.generator.Generate(ctx, moved)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ImageRef, second.ImageRef)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestGenerate_SingleFlight(t *testing.T) {
	p := &scriptedProvider{entered: make(chan struct{}, 1), block: make(chan struct{})}
	f := newFixture(t, p)
	ctx := context.Background()

	firstDone := make(chan Result)
	go func() {
		firstDone <- f.generator.Generate(ctx, outfitRequest(t, "same", false))
	}()
	<-p.entered

	const concurrent = 8
	var wg sync.WaitGroup
	results := make([]Result, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.generator.Generate(ctx, outfitRequest(t, "same", false))
		}()
	}
	wg.Wait()

	for _, result := range results {
		assert.False(t, result.Success)
		assert.Equal(t, ErrorKindBusy, result.ErrorKind)
	}

	close(p.block)
	first := <-firstDone
	assert.True(t, first.Success)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 0, f.generator.guard.InFlight())

	// Distinct keys are not blocked by each other.
	other := f.generator.Generate(ctx, outfitRequest(t, "different", false))
	assert.True(t, other.Success)
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	timeout := provider.NewTimeoutError("scripted", context.DeadlineExceeded)
	f := newFixture(t, &scriptedProvider{results: []error{timeout, timeout}})
	ctx := context.Background()

	result := f.generator.Generate(ctx, outfitRequest(t, "rainy day", false))
	require.True(t, result.Success, result.Error)
	assert.False(t, result.Degraded)
	assert.Equal(t, 3, f.provider.Calls())
	assert.Equal(t, 1, f.generator.CacheStats().MemoryEntries)

	again := f.generator.Generate(ctx, outfitRequest(t, "rainy day", false))
	assert.True(t, again.Cached)
	assert.Equal(t, 3, f.provider.Calls())
}

func TestGenerate_DegradedFallback(t *testing.T) {
	quota := provider.NewQuotaError("scripted", 0, "resource exhausted")
	f := newFixture(t, &scriptedProvider{results: []error{quota, quota, quota}})
	ctx := context.Background()

	result := f.generator.Generate(ctx, outfitRequest(t, "office", true))
	require.True(t, result.Success, result.Error)
	assert.True(t, result.Degraded)
	assert.Equal(t, 3, f.provider.Calls())
	assert.True(t, strings.HasSuffix(result.ImageRef, ".jpg"), result.ImageRef)

	data, err := afero.ReadFile(f.blobFs, strings.TrimPrefix(result.ImageRef, "file://"))
	require.NoError(t, err)
	_, imageType, err := image.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, image.ImageTypeJPEG, imageType)

	// Degraded results stay out of the durable tier.
	key := cache.NewKey("scripted", "v1", outfitRequest(t, "office", true))
	record, err := f.durable.GetByIdentity(ctx, key.Identity)
	require.NoError(t, err)
	assert.Nil(t, record)

	again := f.generator.Generate(ctx, outfitRequest(t, "office", true))
	assert.True(t, again.Cached)
	assert.True(t, again.Degraded)
	assert.Equal(t, 3, f.provider.Calls())
}

func TestGenerate_FallbackFailureSurfacesLastError(t *testing.T) {
	quota := provider.NewQuotaError("scripted", 0, "resource exhausted")
	f := newFixture(t, &scriptedProvider{results: []error{quota, quota, quota}})

	request, err := outfit.NewGenerationRequest([]outfit.ImageInput{
		{Role: outfit.RoleTop, Ref: "/wardrobe/top.png"},
	}, "")
	require.NoError(t, err)

	result := f.generator.Generate(context.Background(), request)
	assert.False(t, result.Success)
	assert.False(t, result.Degraded)
	assert.Equal(t, ErrorKindQuota, result.ErrorKind)
	assert.Equal(t, "The image service is over its usage quota. Please wait 16 seconds and try again.", result.Error)
	assert.Equal(t, 16*time.Second, result.WaitTime)
	assert.Empty(t, result.ImageRef)
}

func TestGenerate_TimeoutSuggestsWait(t *testing.T) {
	timeout := provider.NewTimeoutError("scripted", context.DeadlineExceeded)
	f := newFixture(t, &scriptedProvider{results: []error{timeout, timeout, timeout}}, withoutFallback())

	result := f.generator.Generate(context.Background(), outfitRequest(t, "", false))
	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindTimeout, result.ErrorKind)
	assert.Greater(t, result.WaitTime, time.Duration(0))
	assert.Equal(t, 3, f.provider.Calls())
}

func TestGenerate_FatalWithoutFallback(t *testing.T) {
	fatal := provider.NewFatalError("scripted", "API key not valid")
	f := newFixture(t, &scriptedProvider{results: []error{fatal}}, withoutFallback())

	result := f.generator.Generate(context.Background(), outfitRequest(t, "", false))
	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindFatal, result.ErrorKind)
	assert.Equal(t, "API key not valid", result.Error)
	assert.Equal(t, 1, f.provider.Calls())
	assert.Equal(t, 0, f.generator.CacheStats().MemoryEntries)
}

func TestGenerate_RateLimited(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, withRateLimit(rate.Config{Window: time.Minute, MaxCalls: 1}))
	ctx := context.Background()

	require.True(t, f.generator.Generate(ctx, outfitRequest(t, "first", false)).Success)

	result := f.generator.Generate(ctx, outfitRequest(t, "second", false))
	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindRateLimited, result.ErrorKind)
	assert.Greater(t, result.WaitTime, 50*time.Second)
	assert.Contains(t, result.Error, "Too many generations")
	assert.Equal(t, 1, f.provider.Calls())

	// Cached results never touch the limiter.
	assert.True(t, f.generator.Generate(ctx, outfitRequest(t, "first", false)).Cached)

	require.NoError(t, f.generator.ReconfigureRateLimit(rate.Config{Window: time.Minute, MaxCalls: 5}))
	assert.Equal(t, 5, f.generator.RateLimitStatus().Config.MaxCalls)
	assert.True(t, f.generator.Generate(ctx, outfitRequest(t, "second", false)).Success)
}

func TestGenerate_InvalidInput(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})

	request, err := outfit.NewGenerationRequest([]outfit.ImageInput{
		{Role: outfit.RoleTop, Ref: "/wardrobe/notes.png"},
		{Role: outfit.RoleBottom, Ref: "/wardrobe/bottom.png"},
	}, "")
	require.NoError(t, err)

	result := f.generator.Generate(context.Background(), request)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindInvalidRequest, result.ErrorKind)
	assert.Contains(t, result.Error, "top")
	assert.Equal(t, 0, f.provider.Calls())
}

func TestGenerate_ReleasesExactlyOnce(t *testing.T) {
	quota := provider.NewQuotaError("scripted", 0, "resource exhausted")
	f := newFixture(t, &scriptedProvider{results: []error{nil, quota, quota, quota}}, withoutFallback())
	ctx := context.Background()

	var releases atomic.Int32
	release := outfit.WithRelease(func() { releases.Add(1) })

	f.generator.Generate(ctx, outfitRequest(t, "a", false, release))
	assert.Equal(t, int32(1), releases.Load(), "success")

	f.generator.Generate(ctx, outfitRequest(t, "a", false, release))
	assert.Equal(t, int32(2), releases.Load(), "cache hit")

	result := f.generator.Generate(ctx, outfitRequest(t, "b", false, release))
	assert.False(t, result.Success)
	assert.Equal(t, int32(3), releases.Load(), "failure")
}

func TestGenerate_Canceled(t *testing.T) {
	p := &scriptedProvider{entered: make(chan struct{}, 1), block: make(chan struct{})}
	f := newFixture(t, p)

	var releases atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() {
		done <- f.generator.Generate(ctx, outfitRequest(t, "", false, outfit.WithRelease(func() { releases.Add(1) })))
	}()

	<-p.entered
	cancel()
	result := <-done

	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindCanceled, result.ErrorKind)
	assert.False(t, result.Degraded, "no fallback after cancellation")
	assert.Equal(t, 1, p.Calls(), "no retry after cancellation")
	assert.Equal(t, int32(1), releases.Load())
	assert.Equal(t, 0, f.generator.guard.InFlight())
	assert.Equal(t, 0, f.generator.CacheStats().MemoryEntries)
}

func TestGenerate_CanceledBeforeRateCheck(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.generator.Generate(ctx, outfitRequest(t, "late", false))
	assert.False(t, result.Success)
	assert.Equal(t, ErrorKindCanceled, result.ErrorKind)
	assert.Equal(t, 0, f.generator.RateLimitStatus().CallsInWindow)
	assert.Equal(t, 0, f.provider.Calls())
}

type failingBlobs struct{}

func (failingBlobs) UploadBlob(ctx context.Context, category string, data []byte, name string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestGenerate_UploadFailureReturnsInline(t *testing.T) {
	metrics, err := monitoring.NewMetrics(monitoring.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	f := newFixture(t, &scriptedProvider{}, withBlobs(failingBlobs{}), withMetrics(metrics))

	result := f.generator.Generate(context.Background(), outfitRequest(t, "", false))
	require.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.ImageRef, "data:image/png;base64,"), result.ImageRef)
}

func TestPickFallbackPair(t *testing.T) {
	shoes := provider.RoleImage{Role: outfit.RoleShoes, Image: outfit.Image{Data: []byte("shoes")}}
	bottom := provider.RoleImage{Role: outfit.RoleBottom, Image: outfit.Image{Data: []byte("bottom")}}
	top := provider.RoleImage{Role: outfit.RoleTop, Image: outfit.Image{Data: []byte("top")}}

	upper, lower := pickFallbackPair([]provider.RoleImage{shoes, bottom, top})
	assert.Equal(t, []byte("top"), upper.Data)
	assert.Equal(t, []byte("bottom"), lower.Data)

	upper, lower = pickFallbackPair([]provider.RoleImage{shoes, bottom})
	assert.Equal(t, []byte("shoes"), upper.Data)
	assert.Equal(t, []byte("bottom"), lower.Data)

	upper, lower = pickFallbackPair([]provider.RoleImage{shoes})
	assert.Nil(t, upper)
	assert.Nil(t, lower)
}

func TestBlobName(t *testing.T) {
	key := cache.Key{Content: "outfit:cache:0123456789abcdef0123"}
	assert.Equal(t, "outfit-0123456789abcdef.jpg", blobName(key, "image/jpeg"))
	assert.Equal(t, "outfit-0123456789abcdef.png", blobName(key, "image/png"))
	assert.Equal(t, "outfit-0123456789abcdef.jpg", blobName(key, "application/octet-stream"))
}
