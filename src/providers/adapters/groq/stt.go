// Package groq adapts Groq's batch Whisper transcription endpoint
// (POST /openai/v1/audio/transcriptions, multipart file upload) to the
// providers.STTHandle contract. Grounded on the retrieved
// pkg/providers/stt/groq.go: Groq has no streaming transcription API,
// so PushAudio accumulates PCM into a buffer and Flush (called by the
// session core when the client sends a `flush` message) triggers one batch
// transcription request over whatever has accumulated since the last
// flush.
package groq

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const ID = "groq"

const transcriptionURL = "https://api.groq.com/openai/v1/audio/transcriptions"

func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          ID,
		DisplayName: "Groq Whisper",
		Category:    providers.CategorySTT,
		Features:    []string{"request_response"},
		Languages:   []string{"en", "multi"},
		Models:      []string{"whisper-large-v3-turbo", "whisper-large-v3"},
		ConfigKeys:  []string{"api_key", "model", "language", "sample_rate"},
	}
}

func Open(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, providers.NewProviderError(ID, providers.FailureAuthentication, fmt.Errorf("missing api_key"))
	}
	model := stringOr(config["model"], "whisper-large-v3-turbo")
	language, _ := config["language"].(string)
	sampleRate := intOr(config["sample_rate"], 16000)

	return &Handle{
		apiKey:     apiKey,
		model:      model,
		language:   language,
		sampleRate: sampleRate,
		events:     make(chan providers.TranscriptEvent, 8),
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithPrefix("groq-stt"),
	}, nil
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func intOr(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		if n != 0 {
			return n
		}
	case float64:
		if n != 0 {
			return int(n)
		}
	}
	return def
}

// Handle buffers audio until Flush, since Groq transcribes whole
// files rather than streaming partials.
type Handle struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	client     *http.Client

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	events chan providers.TranscriptEvent
	log    *logger.Logger
}

func (h *Handle) Provider() string { return ID }

func (h *Handle) PushAudio(pcm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return providers.ErrHandleDead
	}
	h.buf.Write(pcm)
	return nil
}

func (h *Handle) Events() <-chan providers.TranscriptEvent { return h.events }

// Flush transcribes everything buffered since the last flush in the
// background and emits at most one final TranscriptEvent (none when the
// buffer is empty or the request fails). Groq has no interim results, so
// every event this handle emits has IsFinal true.
func (h *Handle) Flush() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return providers.ErrHandleDead
	}
	pcm := make([]byte, h.buf.Len())
	copy(pcm, h.buf.Bytes())
	h.buf.Reset()
	h.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}

	go h.transcribe(pcm)
	return nil
}

func (h *Handle) transcribe(pcm []byte) {
	wavData := wrapWAV(pcm, h.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("model", h.model)
	if h.language != "" {
		_ = writer.WriteField("language", h.language)
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		h.log.Debug("multipart error: %v", err)
		return
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		h.log.Debug("multipart copy error: %v", err)
		return
	}
	if err := writer.Close(); err != nil {
		return
	}

	req, err := http.NewRequest("POST", transcriptionURL, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Debug("request error: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		h.log.Debug("groq stt error (status %d): %v", resp.StatusCode, errResp)
		return
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return
	}
	if result.Text == "" {
		return
	}

	select {
	case h.events <- providers.TranscriptEvent{Transcript: result.Text, IsFinal: true, Language: h.language}:
	default:
	}
}

// wrapWAV wraps raw linear16 mono PCM in a minimal WAV container, the
// format Groq's transcription endpoint expects for a "file" upload.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	dataLen := len(pcm)
	byteRate := sampleRate * 2
	buf.WriteString("RIFF")
	writeUint32(&buf, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeUint32(&buf, 16)
	writeUint16(&buf, 1) // PCM
	writeUint16(&buf, 1) // mono
	writeUint32(&buf, uint32(sampleRate))
	writeUint32(&buf, uint32(byteRate))
	writeUint16(&buf, 2) // block align
	writeUint16(&buf, 16) // bits per sample
	buf.WriteString("data")
	writeUint32(&buf, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func (h *Handle) Close(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	close(h.events)
	return nil
}
