package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const TTSID = "openai-tts"

const ttsEndpoint = "https://api.openai.com/v1/audio/speech"

func TTSDescriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          TTSID,
		DisplayName: "OpenAI TTS",
		Category:    providers.CategoryTTS,
		Features:    []string{"sse_streaming", "voice_instructions"},
		Languages:   []string{"en", "multi"},
		Models:      []string{"gpt-4o-mini-tts"},
		ConfigKeys:  []string{"api_key", "voice", "model", "sample_rate"},
	}
}

type ttsRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	Instructions   string  `json:"instructions,omitempty"`
	StreamFormat   string  `json:"stream_format,omitempty"`
}

type ttsSSEEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// OpenTTS implements providers.OpenFunc, grounded on the retrieved
// pkg/tts/openai provider: POST /v1/audio/speech with stream_format
// "sse", audio delivered as base64 speech.audio.delta events.
func OpenTTS(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, providers.NewProviderError(TTSID, providers.FailureAuthentication, fmt.Errorf("missing api_key"))
	}
	voice := stringOr(config["voice"], "coral")
	model := stringOr(config["model"], "gpt-4o-mini-tts")
	sampleRate := intOr(config["sample_rate"], 24000)

	h := &ttsHandle{
		apiKey:     apiKey,
		voice:      voice,
		model:      model,
		sampleRate: sampleRate,
		frames:     make(chan providers.AudioChunk, 32),
		client:     &http.Client{},
		log:        logger.WithPrefix("openai-tts"),
	}
	return h, nil
}

type ttsHandle struct {
	apiKey     string
	voice      string
	model      string
	sampleRate int
	client     *http.Client

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	closed     bool

	frames chan providers.AudioChunk
	log    *logger.Logger
}

func (h *ttsHandle) Provider() string { return TTSID }

// Speak issues one POST request per utterance; OpenAI's REST TTS has
// no persistent session, so there is no context id to track, only the
// in-flight request's own cancellation.
func (h *ttsHandle) Speak(parent context.Context, req providers.SpeakRequest) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return providers.ErrHandleDead
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancelFunc = cancel
	h.mu.Unlock()

	voice := req.Voice
	if voice == "" {
		voice = h.voice
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	payload := ttsRequest{
		Model:          h.model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: "pcm",
		Speed:          speed,
		Instructions:   req.EmotionDescription,
		StreamFormat:   "sse",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	go h.stream(ctx, httpReq)
	return nil
}

func (h *ttsHandle) stream(ctx context.Context, httpReq *http.Request) {
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Debug("request error: %v", err)
		}
		h.emitFinal()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		h.log.Debug("tts request failed (status %d): %s", resp.StatusCode, string(data))
		h.emitFinal()
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		data, err := io.ReadAll(resp.Body)
		if err == nil && len(data) > 0 {
			h.emit(providers.AudioChunk{Data: data, Format: "linear16", SampleRate: h.sampleRate})
		}
		h.emitFinal()
		return
	}

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			h.emitFinal()
			return
		default:
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			h.emitFinal()
			return
		}
		lineStr := strings.TrimSpace(string(line))
		if !strings.HasPrefix(lineStr, "data: ") {
			continue
		}
		data := strings.TrimPrefix(lineStr, "data: ")
		if data == "[DONE]" {
			h.emitFinal()
			return
		}
		var event ttsSSEEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		switch event.Type {
		case "speech.audio.delta":
			if event.Audio == "" {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(event.Audio)
			if err != nil {
				continue
			}
			h.emit(providers.AudioChunk{Data: audioData, Format: "linear16", SampleRate: h.sampleRate})
		case "speech.audio.done":
			h.emitFinal()
			return
		}
	}
}

func (h *ttsHandle) emit(chunk providers.AudioChunk) {
	select {
	case h.frames <- chunk:
	default:
	}
}

func (h *ttsHandle) emitFinal() {
	h.emit(providers.AudioChunk{IsFinal: true, Format: "linear16", SampleRate: h.sampleRate})
}

// Interrupt cancels the in-flight request, if any.
func (h *ttsHandle) Interrupt() error {
	h.mu.Lock()
	cancel := h.cancelFunc
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (h *ttsHandle) UpdateVoice(voice, model string) error {
	h.mu.Lock()
	if voice != "" {
		h.voice = voice
	}
	if model != "" {
		h.model = model
	}
	h.mu.Unlock()
	return nil
}

func (h *ttsHandle) Frames() <-chan providers.AudioChunk { return h.frames }

func (h *ttsHandle) Close(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	cancel := h.cancelFunc
	closed := h.closed
	h.closed = true
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !closed {
		close(h.frames)
	}
	return nil
}
