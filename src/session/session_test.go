package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/waav/src/cache"
	"github.com/square-key-labs/waav/src/gateway"
	"github.com/square-key-labs/waav/src/providers"
	"github.com/square-key-labs/waav/src/providers/registry"
)

// fakeSTT is a scriptable STTHandle: tests push TranscriptEvents onto
// its events channel directly to simulate upstream provider traffic.
type fakeSTT struct {
	id     string
	events chan providers.TranscriptEvent
	closed atomic.Bool
}

func newFakeSTT(id string) *fakeSTT {
	return &fakeSTT{id: id, events: make(chan providers.TranscriptEvent, 16)}
}

func (f *fakeSTT) Provider() string { return f.id }
func (f *fakeSTT) Close(ctx context.Context, grace time.Duration) error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}
func (f *fakeSTT) PushAudio(pcm []byte) error { return nil }
func (f *fakeSTT) Events() <-chan providers.TranscriptEvent { return f.events }
func (f *fakeSTT) Flush() error { return nil }

// fakeTTS emits a fixed number of chunks per Speak call, honoring
// Interrupt by ending the stream early.
type fakeTTS struct {
	id          string
	chunkCount  int
	speakCalls  atomic.Int64
	interrupted atomic.Bool
	frames      chan providers.AudioChunk
	mu          sync.Mutex
}

func newFakeTTS(id string, chunkCount int) *fakeTTS {
	return &fakeTTS{id: id, chunkCount: chunkCount, frames: make(chan providers.AudioChunk, 64)}
}

func (f *fakeTTS) Provider() string { return f.id }
func (f *fakeTTS) Close(ctx context.Context, grace time.Duration) error { return nil }

func (f *fakeTTS) Speak(ctx context.Context, req providers.SpeakRequest) error {
	f.speakCalls.Add(1)
	f.interrupted.Store(false)
	go func() {
		for i := 0; i < f.chunkCount; i++ {
			if f.interrupted.Load() {
				return
			}
			f.frames <- providers.AudioChunk{
				Data:       []byte{byte(i)},
				Format:     "linear16",
				SampleRate: 24000,
				IsFinal:    i == f.chunkCount-1,
			}
			// Small pacing delay so tests have a real window to fire a
			// barge-in mid-utterance instead of racing full delivery.
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return nil
}

func (f *fakeTTS) Interrupt() error {
	f.interrupted.Store(true)
	return nil
}
func (f *fakeTTS) Frames() <-chan providers.AudioChunk { return f.frames }
func (f *fakeTTS) UpdateVoice(voice, model string) error { return nil }

func newTestRegistry(stt *fakeSTT, tts *fakeTTS) *registry.Registry {
	reg := registry.New()
	if stt != nil {
		reg.Register(providers.Descriptor{ID: "fake-stt", Category: providers.CategorySTT},
			func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) {
				return stt, nil
			})
	}
	if tts != nil {
		reg.Register(providers.Descriptor{ID: "fake-tts", Category: providers.CategoryTTS},
			func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) {
				return tts, nil
			})
	}
	reg.Freeze()
	return reg
}

func drainOut(t *testing.T, s *Session, timeout time.Duration) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-s.Out():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &m))
			msgs = append(msgs, m)
		case <-deadline:
			return msgs
		}
	}
}

func waitForType(t *testing.T, s *Session, want string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-s.Out():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &m))
			if m["type"] == want {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message type %q", want)
			return nil
		}
	}
}

func newTestSession(reg *registry.Registry) (*Session, context.CancelFunc) {
	opt := Options{
		Registry: reg,
		Cache:    cache.New(0, 0),
	}
	s := New("", opt)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

func configureSTTAndTTS(t *testing.T, s *Session) {
	t.Helper()
	s.Submit(InboundEvent{
		Kind:    InboundControl,
		Control: gateway.InConfigure,
		Payload: &gateway.ConfigureMessage{
			STT: &gateway.STTConfig{Provider: "fake-stt", Language: "en-US", SampleRate: 16000},
			TTS: &gateway.TTSConfig{Provider: "fake-tts", Voice: "aura", SampleRate: 24000},
		},
	})
	waitForType(t, s, "ready", 2*time.Second)
}

func TestSession_ConfigureEmitsReady(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	tts := newFakeTTS("fake-tts", 3)
	reg := newTestRegistry(stt, tts)
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()

	configureSTTAndTTS(t, s)
	assert.Equal(t, StateReady, s.State())
}

// TestSession_SequenceMonotonicity covers TESTABLE PROPERTY 1: within one
// utterance, consecutive AudioFrames carry strictly incrementing
// sequence numbers delivered in order.
func TestSession_SequenceMonotonicity(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	tts := newFakeTTS("fake-tts", 5)
	reg := newTestRegistry(stt, tts)
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()
	configureSTTAndTTS(t, s)

	s.Submit(InboundEvent{
		Kind:    InboundControl,
		Control: gateway.InSpeak,
		Payload: &gateway.SpeakMessage{Text: "hello world"},
	})

	waitForType(t, s, "speaking_started", 2*time.Second)

	var lastSeq uint64
	seen := 0
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case raw := <-s.Out():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &m))
			if m["type"] != "tts_audio" {
				if m["type"] == "tts_playback_complete" {
					break loop
				}
				continue
			}
			seq := uint64(m["sequence"].(float64))
			if seen > 0 {
				assert.Equal(t, lastSeq+1, seq, "sequence numbers must be strictly monotonic within an utterance")
			}
			lastSeq = seq
			seen++
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 5, seen, "expected all 5 chunks delivered in order")
}

// TestSession_CacheSingleFlight covers TESTABLE PROPERTY 2: identical
// speak requests share one synthesis.
func TestSession_CacheSingleFlight(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	tts := newFakeTTS("fake-tts", 2)
	reg := newTestRegistry(stt, tts)
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()
	configureSTTAndTTS(t, s)

	speak := func() {
		s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InSpeak,
			Payload: &gateway.SpeakMessage{Text: "Hello from WaaV!"}})
		waitForType(t, s, "tts_playback_complete", 2*time.Second)
	}

	speak()
	assert.EqualValues(t, 1, tts.speakCalls.Load())

	speak()
	assert.EqualValues(t, 1, tts.speakCalls.Load(), "second identical speak must hit the cache, not re-invoke the provider")
}

// TestSession_BargeInEmitsInterruptedBeforeTranscript covers TESTABLE
// PROPERTY 3: TTS-Interrupted precedes any subsequent stt_result once
// barge-in fires on an allow_interruption utterance.
func TestSession_BargeInEmitsInterruptedBeforeTranscript(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	tts := newFakeTTS("fake-tts", 50) // long utterance so there's time to interrupt mid-flight
	reg := newTestRegistry(stt, tts)
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()
	configureSTTAndTTS(t, s)

	allow := true
	s.Submit(InboundEvent{
		Kind:    InboundControl,
		Control: gateway.InSpeak,
		Payload: &gateway.SpeakMessage{Text: "this is a long sentence", AllowInterruption: &allow},
	})
	waitForType(t, s, "speaking_started", 2*time.Second)

	// Let a couple of frames flow before the barge-in fires.
	waitForType(t, s, "tts_audio", time.Second)

	stt.events <- providers.TranscriptEvent{Transcript: "wait stop", IsFinal: false}

	var sawInterrupted, sawTranscriptAfter bool
	var lastAudioSeq uint64
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case raw := <-s.Out():
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &m))
			switch m["type"] {
			case "session_update":
				if m["field"] == "tts_interrupted" {
					sawInterrupted = true
				}
			case "stt_result":
				if sawInterrupted {
					sawTranscriptAfter = true
				} else {
					t.Fatalf("stt_result delivered before tts_interrupted boundary: %v", m)
				}
			case "tts_audio":
				seq := uint64(m["sequence"].(float64))
				if seq > lastAudioSeq {
					lastAudioSeq = seq
				}
				if sawInterrupted {
					t.Fatalf("tts_audio delivered after tts_interrupted boundary (seq=%d)", seq)
				}
			}
		case <-deadline:
			break drain
		}
	}

	assert.True(t, sawInterrupted, "expected a tts_interrupted session_update")
	assert.True(t, sawTranscriptAfter, "expected the triggering transcript delivered after the boundary")
	assert.Equal(t, StateListening, s.State())
}

// TestSession_RealtimeClosesSTT covers TESTABLE PROPERTY 4: configuring
// realtime after STT closes the STT handle; no stale transcript events
// are delivered afterward.
func TestSession_RealtimeClosesSTT(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	reg := registry.New()
	reg.Register(providers.Descriptor{ID: "fake-stt", Category: providers.CategorySTT},
		func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) { return stt, nil })
	reg.Register(providers.Descriptor{ID: "fake-rt", Category: providers.CategoryRealtime},
		func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) {
			return newFakeRealtime("fake-rt"), nil
		})
	reg.Freeze()
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()

	s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InConfigure, Payload: &gateway.ConfigureMessage{
		STT: &gateway.STTConfig{Provider: "fake-stt"},
	}})
	waitForType(t, s, "ready", 2*time.Second)

	s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InConfigure, Payload: &gateway.ConfigureMessage{
		Realtime: &gateway.RealtimeConfig{Provider: "fake-rt"},
	}})

	// Give the actor loop a moment to process the reconfigure.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, stt.closed.Load(), "STT handle must be closed once realtime mode is configured")
}

// TestSession_STTDeathSurfacesPermanentError covers the failure table's
// "provider permanent error" row: when the STT adapter exhausts its
// retry budget and closes its event channel, a single
// PROVIDER_PERMANENT error with recoverable=false reaches the client
// while the session and TTS remain usable.
func TestSession_STTDeathSurfacesPermanentError(t *testing.T) {
	stt := newFakeSTT("fake-stt")
	tts := newFakeTTS("fake-tts", 2)
	reg := newTestRegistry(stt, tts)
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()
	configureSTTAndTTS(t, s)

	// Simulate the adapter marking itself dead upstream of the session.
	require.NoError(t, stt.Close(context.Background(), 0))

	msg := waitForType(t, s, "error", 2*time.Second)
	assert.Equal(t, string(gateway.ErrProviderPermanent), msg["code"])
	assert.Equal(t, false, msg["recoverable"])

	// TTS is unaffected by the dead STT handle.
	s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InSpeak,
		Payload: &gateway.SpeakMessage{Text: "still speaking"}})
	waitForType(t, s, "tts_playback_complete", 2*time.Second)
}

func TestSession_RealtimeDeathSurfacesPermanentError(t *testing.T) {
	rt := newFakeRealtime("fake-rt")
	reg := registry.New()
	reg.Register(providers.Descriptor{ID: "fake-rt", Category: providers.CategoryRealtime},
		func(ctx context.Context, cfg map[string]interface{}) (providers.Handle, error) { return rt, nil })
	reg.Freeze()
	defer reg.Shutdown()

	s, cancel := newTestSession(reg)
	defer cancel()

	s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InConfigure, Payload: &gateway.ConfigureMessage{
		Realtime: &gateway.RealtimeConfig{Provider: "fake-rt"},
	}})
	waitForType(t, s, "ready", 2*time.Second)

	// Both channels close together when the upstream dies.
	close(rt.frames)
	close(rt.events)

	msg := waitForType(t, s, "error", 2*time.Second)
	assert.Equal(t, string(gateway.ErrProviderPermanent), msg["code"])
	assert.Equal(t, false, msg["recoverable"])

	// Exactly one error for the pair of closed channels, and the session
	// keeps answering control traffic (no busy-spin on the dead handle).
	s.Submit(InboundEvent{Kind: InboundControl, Control: gateway.InPing})
	for _, m := range drainOut(t, s, 500*time.Millisecond) {
		assert.NotEqual(t, "error", m["type"], "realtime death must surface a single error")
	}
}

type fakeRealtime struct {
	id     string
	frames chan providers.AudioChunk
	events chan providers.TranscriptEvent
}

func newFakeRealtime(id string) *fakeRealtime {
	return &fakeRealtime{id: id, frames: make(chan providers.AudioChunk, 4), events: make(chan providers.TranscriptEvent, 4)}
}

func (f *fakeRealtime) Provider() string { return f.id }
func (f *fakeRealtime) Close(ctx context.Context, grace time.Duration) error { return nil }
func (f *fakeRealtime) PushAudio(pcm []byte) error { return nil }
func (f *fakeRealtime) Frames() <-chan providers.AudioChunk { return f.frames }
func (f *fakeRealtime) Events() <-chan providers.TranscriptEvent { return f.events }
func (f *fakeRealtime) Interrupt() error { return nil }
