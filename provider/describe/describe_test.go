package describe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/provider"
)

type fakeDescriber struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     map[outfit.Role]error
}

func (f *fakeDescriber) Describe(ctx context.Context, role outfit.Role, image outfit.Image) (string, error) {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if err := f.fail[role]; err != nil {
		return "", err
	}
	return "a " + string(image.Data), nil
}

func (f *fakeDescriber) Name() string  { return "vision" }
func (f *fakeDescriber) Model() string { return "v1" }

type fakeSynthesizer struct {
	prompt string
	err    error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, prompt string) (*outfit.Image, error) {
	f.prompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return &outfit.Image{Data: []byte("outfit"), MimeType: "image/png"}, nil
}

func (f *fakeSynthesizer) Name() string  { return "painter" }
func (f *fakeSynthesizer) Model() string { return "p2" }

func request() *provider.Request {
	return &provider.Request{
		Images: []provider.RoleImage{
			{Role: outfit.RoleTop, Image: outfit.Image{Data: []byte("red sweater")}},
			{Role: outfit.RoleBottom, Image: outfit.Image{Data: []byte("grey skirt")}},
			{Role: outfit.RoleShoes, Image: outfit.Image{Data: []byte("white sneakers")}},
			{Role: outfit.RoleInspiration, Image: outfit.Image{Data: []byte("autumn park")}},
		},
		Instruction: " keep it cozy ",
	}
}

func TestNewEndpoint(t *testing.T) {
	_, err := NewEndpoint(nil, &fakeSynthesizer{}, 1)
	assert.Error(t, err)

	endpoint, err := NewEndpoint(&fakeDescriber{}, &fakeSynthesizer{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, endpoint.concurrency)
	assert.Equal(t, "vision:v1>painter:p2", endpoint.Model())
	assert.Equal(t, ProviderName, endpoint.Name())
}

func TestInvoke(t *testing.T) {
	describer := &fakeDescriber{}
	synthesizer := &fakeSynthesizer{}
	endpoint, err := NewEndpoint(describer, synthesizer, 2)
	require.NoError(t, err)

	image, err := endpoint.Invoke(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []byte("outfit"), image.Data)

	assert.Equal(t, int32(4), describer.calls.Load())
	assert.LessOrEqual(t, describer.peak.Load(), int32(2))
	assert.Equal(t, "A photorealistic full-body fashion photo of one model wearing a complete outfit, plain light background.\n"+
		"Top: a red sweater\n"+
		"Bottom: a grey skirt\n"+
		"Shoes: a white sneakers\n"+
		"Overall mood and styling inspired by: a autumn park\n"+
		"Additional instructions: keep it cozy\n", synthesizer.prompt)
}

func TestInvoke_DescribeFailure(t *testing.T) {
	describer := &fakeDescriber{fail: map[outfit.Role]error{
		outfit.RoleShoes: provider.NewQuotaError("vision", 5*time.Second, "slow down"),
	}}
	synthesizer := &fakeSynthesizer{}
	endpoint, err := NewEndpoint(describer, synthesizer, 4)
	require.NoError(t, err)

	_, err = endpoint.Invoke(context.Background(), request())
	var providerErr *provider.Error
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, provider.KindQuota, providerErr.Kind)
	assert.Equal(t, 5*time.Second, providerErr.RetryAfter)
	assert.Empty(t, synthesizer.prompt, "synthesis must not run after a failed description")
}

func TestInvoke_SynthesisFailure(t *testing.T) {
	synthesizer := &fakeSynthesizer{err: errors.New("malformed response")}
	endpoint, err := NewEndpoint(&fakeDescriber{}, synthesizer, 1)
	require.NoError(t, err)

	_, err = endpoint.Invoke(context.Background(), request())
	var providerErr *provider.Error
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, provider.KindFatal, providerErr.Kind)
	assert.Equal(t, "painter", providerErr.Provider)
}

func TestInvoke_NoImages(t *testing.T) {
	endpoint, err := NewEndpoint(&fakeDescriber{}, &fakeSynthesizer{}, 1)
	require.NoError(t, err)

	_, err = endpoint.Invoke(context.Background(), &provider.Request{})
	assert.Error(t, err)
}
