package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/waav/src/cache"
	"github.com/square-key-labs/waav/src/providers"
	"github.com/square-key-labs/waav/src/providers/registry"
)

type stubTTSHandle struct {
	speakCalls atomic.Int64
	frames     chan providers.AudioChunk
}

func (h *stubTTSHandle) Provider() string { return "stub-tts" }
func (h *stubTTSHandle) Close(ctx context.Context, grace time.Duration) error { return nil }
func (h *stubTTSHandle) Speak(ctx context.Context, req providers.SpeakRequest) error {
	h.speakCalls.Add(1)
	go func() {
		h.frames <- providers.AudioChunk{Data: []byte("abc"), Format: "linear16", SampleRate: 24000}
		h.frames <- providers.AudioChunk{Data: []byte("def"), Format: "linear16", SampleRate: 24000, IsFinal: true}
	}()
	return nil
}
func (h *stubTTSHandle) Interrupt() error { return nil }
func (h *stubTTSHandle) Frames() <-chan providers.AudioChunk { return h.frames }
func (h *stubTTSHandle) UpdateVoice(voice, model string) error { return nil }

func newStubServer(t *testing.T) (*Server, *stubTTSHandle) {
	t.Helper()
	handle := &stubTTSHandle{frames: make(chan providers.AudioChunk, 4)}
	reg := registry.New()
	reg.Register(providers.Descriptor{ID: "stub-tts", Category: providers.CategoryTTS, Models: []string{"v1"}},
		func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) { return handle, nil })
	reg.Freeze()
	t.Cleanup(reg.Shutdown)

	return NewServer(reg, cache.New(0, 0), nil), handle
}

func TestHandleHealth(t *testing.T) {
	s, _ := newStubServer(t)
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleVoices_UnknownProvider(t *testing.T) {
	s, _ := newStubServer(t)
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices?provider=ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePlugins_HealthByID(t *testing.T) {
	s, _ := newStubServer(t)
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/stub-tts/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestHandleSpeak_SharesCacheAcrossRepeatedRequests covers TESTABLE
// PROPERTY 2 on the REST one-shot path: an identical repeated /speak
// request must not re-invoke the provider.
func TestHandleSpeak_SharesCacheAcrossRepeatedRequests(t *testing.T) {
	s, handle := newStubServer(t)
	mux := http.NewServeMux()
	s.Register(mux)

	body := `{"text":"hello there","provider":"stub-tts"}`

	rec1 := httptest.NewRecorder()
	mux.ServeHTTP(rec1, httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec1.Code)
	first := rec1.Body.Bytes()

	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec2.Code)
	second := rec2.Body.Bytes()

	assert.Equal(t, int64(1), handle.speakCalls.Load(), "second identical /speak must hit the cache")
	assert.Equal(t, first, second, "cached artifact bytes must be identical across requests")
}

func TestHandleSpeak_RequiresTextAndProvider(t *testing.T) {
	s, _ := newStubServer(t)
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
