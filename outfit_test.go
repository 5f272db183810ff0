package outfit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerationRequest(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []ImageInput
		wantErr string
	}{
		{
			name:   "valid",
			inputs: []ImageInput{{Role: RoleTop, Ref: "top.png"}, {Role: RoleBottom, Ref: "bottom.png"}},
		},
		{
			name:    "no inputs",
			wantErr: "at least one input image",
		},
		{
			name:    "blank reference",
			inputs:  []ImageInput{{Role: RoleTop, Ref: "  "}},
			wantErr: "has no image reference",
		},
		{
			name:    "missing role",
			inputs:  []ImageInput{{Ref: "top.png"}},
			wantErr: "has no role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerationRequest(tt.inputs, "")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestGenerationRequest_IsImmutable(t *testing.T) {
	inputs := []ImageInput{{Role: RoleTop, Ref: "top.png"}}
	request, err := NewGenerationRequest(inputs, "casual")
	require.NoError(t, err)

	inputs[0].Ref = "changed.png"
	assert.Equal(t, "top.png", request.Inputs()[0].Ref)

	copied := request.Inputs()
	copied[0].Ref = "changed.png"
	assert.Equal(t, "top.png", request.Inputs()[0].Ref)
	assert.Equal(t, "casual", request.Instruction())
}

func TestGenerationRequest_Input(t *testing.T) {
	request, err := NewGenerationRequest([]ImageInput{
		{Role: RoleTop, Ref: "a.png"},
		{Role: RoleShoes, Ref: "b.png"},
		{Role: RoleTop, Ref: "c.png"},
	}, "")
	require.NoError(t, err)

	top, ok := request.Input(RoleTop)
	assert.True(t, ok)
	assert.Equal(t, "a.png", top.Ref)

	_, ok = request.Input(RoleBottom)
	assert.False(t, ok)
}

func TestGenerationRequest_HasIdentity(t *testing.T) {
	withIDs, err := NewGenerationRequest([]ImageInput{
		{Role: RoleTop, Ref: "a.png", ID: "1"},
		{Role: RoleBottom, Ref: "b.png", ID: "2"},
	}, "")
	require.NoError(t, err)
	assert.True(t, withIDs.HasIdentity())

	partial, err := NewGenerationRequest([]ImageInput{
		{Role: RoleTop, Ref: "a.png", ID: "1"},
		{Role: RoleBottom, Ref: "b.png"},
	}, "")
	require.NoError(t, err)
	assert.False(t, partial.HasIdentity())

	assert.False(t, GenerationRequest{}.HasIdentity())
}

func TestGenerationRequest_Release(t *testing.T) {
	GenerationRequest{}.Release()

	released := 0
	request, err := NewGenerationRequest([]ImageInput{{Role: RoleTop, Ref: "a.png"}}, "", WithRelease(func() { released++ }))
	require.NoError(t, err)

	request.Release()
	assert.Equal(t, 1, released)
}

func TestCachedResult_Degraded(t *testing.T) {
	assert.True(t, CachedResult{Provenance: ProvenanceDegraded}.Degraded())
	assert.False(t, CachedResult{Provenance: ProvenanceGenerated}.Degraded())
}
