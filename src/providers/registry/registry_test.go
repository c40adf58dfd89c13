package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/waav/src/providers"
)

func stubOpen(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) {
	return nil, nil
}

func TestRegister_ResolvesByIDAndAlias(t *testing.T) {
	r := New()
	r.Register(providers.Descriptor{ID: "deepgram", Category: providers.CategorySTT}, stubOpen, "dg")

	_, desc, err := r.Open("deepgram")
	require.NoError(t, err)
	assert.Equal(t, "deepgram", desc.ID)

	_, desc, err = r.Open("dg")
	require.NoError(t, err)
	assert.Equal(t, "deepgram", desc.ID, "alias must resolve to the same descriptor")
}

func TestOpen_UnknownProvider(t *testing.T) {
	r := New()
	_, _, err := r.Open("nonexistent")
	assert.Error(t, err)
}

func TestRegister_PanicsAfterFreeze(t *testing.T) {
	r := New()
	r.Freeze()
	defer r.Shutdown()

	assert.Panics(t, func() {
		r.Register(providers.Descriptor{ID: "late"}, stubOpen)
	})
}

func TestList_FiltersByCategoryAndCollapsesAliases(t *testing.T) {
	r := New()
	sttCat := providers.CategorySTT
	ttsCat := providers.CategoryTTS

	r.Register(providers.Descriptor{ID: "deepgram", Category: providers.CategorySTT}, stubOpen, "dg")
	r.Register(providers.Descriptor{ID: "elevenlabs", Category: providers.CategoryTTS}, stubOpen)

	stt := r.List(ListFilter{Category: &sttCat})
	require.Len(t, stt, 1)
	assert.Equal(t, "deepgram", stt[0].ID)

	tts := r.List(ListFilter{Category: &ttsCat})
	require.Len(t, tts, 1)
	assert.Equal(t, "elevenlabs", tts[0].ID)

	all := r.List(ListFilter{})
	assert.Len(t, all, 2, "aliases must not produce duplicate listings")
}

func TestHealth_TracksRollingErrorRate(t *testing.T) {
	r := New()
	r.Register(providers.Descriptor{ID: "cartesia", Category: providers.CategoryTTS}, stubOpen)

	assert.Equal(t, providers.HealthHealthy, r.Health("cartesia"), "idle provider reports healthy")

	for i := 0; i < 100; i++ {
		r.RecordCall("cartesia", i < 30)
	}
	assert.Equal(t, providers.HealthUnhealthy, r.Health("cartesia"))
}

func TestHealth_UnknownProviderIsUnhealthy(t *testing.T) {
	r := New()
	assert.Equal(t, providers.HealthUnhealthy, r.Health("ghost"))
}
