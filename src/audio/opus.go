// Package audio holds small, stateless audio transcoding helpers used
// at the gateway's edges: G.711 mu-law encode/decode, linear resampling
// and ToLinear16 ingress normalization (convert.go), used by the
// session core, plus linear16 PCM to Opus for callers that request
// `format: "opus"` on the one-shot REST path (src/restapi.handleSpeak),
// using gopkg.in/hraban/opus.v2 for the codec work since no adapter
// emits Opus natively.
package audio

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

// opusFrameSamples is the sample count of one 20ms frame
// (sampleRate * 20 / 1000), computed per call since Opus frame sizes are sample-rate
// relative (2.5/5/10/20/40/60ms are the legal frame durations).
func opusFrameSamples(sampleRate int) int {
	return sampleRate / 50 // 20ms
}

// EncodeLinear16ToOpus repackages signed 16-bit little-endian mono PCM
// as a sequence of Opus frames, each prefixed with a big-endian uint16
// length so a decoder can split the stream back into frames without a
// container format. Used when a /speak caller asks for `format: opus`
// but the synthesizing provider only emits linear16.
func EncodeLinear16ToOpus(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus encoder: %w", err)
	}

	frameSamples := opusFrameSamples(sampleRate)
	frameBytes := frameSamples * 2
	out := make([]byte, 0, len(pcm)/2)
	buf := make([]byte, 4000)

	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		chunk := pcm[off:min(end, len(pcm))]
		samples := make([]int16, frameSamples)
		for i := 0; i+1 < len(chunk); i += 2 {
			samples[i/2] = int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8)
		}
		n, err := enc.Encode(samples, buf)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		out = append(out, byte(n>>8), byte(n))
		out = append(out, buf[:n]...)
	}
	return out, nil
}

// DecodeOpusToLinear16 reverses EncodeLinear16ToOpus's length-prefixed
// framing back into signed 16-bit little-endian mono PCM.
func DecodeOpusToLinear16(data []byte, sampleRate int) ([]byte, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus decoder: %w", err)
	}

	frameSamples := opusFrameSamples(sampleRate)
	samples := make([]int16, frameSamples)
	var pcm []byte

	for off := 0; off+2 <= len(data); {
		n := int(data[off])<<8 | int(data[off+1])
		off += 2
		if off+n > len(data) {
			return nil, fmt.Errorf("audio: truncated opus frame")
		}
		frame := data[off : off+n]
		off += n

		decoded, err := dec.Decode(frame, samples)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		for _, s := range samples[:decoded] {
			pcm = append(pcm, byte(s), byte(s>>8))
		}
	}
	return pcm, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
