// Package dsp defines the plug-in points for the noise-suppression and
// end-of-turn DSP models. The session core only defines where and how
// these hooks are invoked; no real model is implemented here, matching
// the BaseInterruptionStrategy default-impl pattern in
// src/interruptions/strategy.go.
package dsp

// NoiseSuppressor is invoked on every inbound PCM frame before it is
// pushed to the active STT/Realtime handle.
type NoiseSuppressor interface {
	// Suppress returns a (possibly unchanged) copy of pcm with noise
	// removed. Implementations must not retain pcm past the call.
	Suppress(pcm []byte, sampleRate int) []byte
}

// EndOfTurnClassifier scores a final transcript with an end-of-turn
// probability. The session core calls it inline on each final
// transcript and discards the returned probability: it is not attached
// to the stt_result sent to the client.
type EndOfTurnClassifier interface {
	// Classify returns the probability in [0,1] that transcript (a final
	// STT result) ends the user's conversational turn.
	Classify(transcript string) float64
}

// NoopNoiseSuppressor passes audio through unchanged. The default when
// no DSP model is configured.
type NoopNoiseSuppressor struct{}

func (NoopNoiseSuppressor) Suppress(pcm []byte, sampleRate int) []byte { return pcm }

// NoopEndOfTurnClassifier always reports full confidence that a final
// transcript ends the turn, which is the only sound default for "no
// classifier installed" since final STT results are already
// turn-terminal by definition.
type NoopEndOfTurnClassifier struct{}

func (NoopEndOfTurnClassifier) Classify(transcript string) float64 { return 1.0 }
