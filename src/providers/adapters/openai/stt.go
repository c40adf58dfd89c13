// Package openai adapts OpenAI's Realtime transcription WebSocket
// (input_audio_buffer.append / conversation.item.input_audio_transcription
// events) and the batch /v1/audio/speech endpoint to providers.STTHandle
// and providers.TTSHandle. Grounded on two retrieved reference files: a
// session.update-based Realtime transcription session (STT) and an SSE
// streaming TTS client (TTS) — see the per-file doc comments below.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const STTID = "openai-stt"

const sttBaseURL = "wss://api.openai.com/v1/realtime"

func STTDescriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          STTID,
		DisplayName: "OpenAI Transcription",
		Category:    providers.CategorySTT,
		Features:    []string{"streaming", "interim_results", "server_vad"},
		Languages:   []string{"en", "multi"},
		Models:      []string{"gpt-4o-transcribe", "gpt-4o-mini-transcribe", "whisper-1"},
		ConfigKeys:  []string{"api_key", "model", "encoding", "silence_duration_ms"},
	}
}

// OpenSTT implements providers.OpenFunc, grounded on the retrieved
// internal/adapter/tool/voice_call OpenAI STT provider: a
// session.update over the Realtime WebSocket, followed by
// input_audio_buffer.append frames and
// conversation.item.input_audio_transcription.{delta,completed} events.
func OpenSTT(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, providers.NewProviderError(STTID, providers.FailureAuthentication, fmt.Errorf("missing api_key"))
	}
	model := stringOr(config["model"], "gpt-4o-transcribe")
	encoding := stringOr(config["encoding"], "pcm16")
	silenceMs := intOr(config["silence_duration_ms"], 800)

	wsURL := fmt.Sprintf("%s?model=%s", sttBaseURL, model)
	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{
		"Authorization": {"Bearer " + apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, providers.NewProviderError(STTID, providers.FailureAuthentication, err)
		}
		return nil, providers.NewProviderError(STTID, providers.FailureUpstream, err)
	}

	sessionCfg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format":        encoding,
			"input_audio_transcription": map[string]any{"model": model},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": silenceMs,
			},
		},
	}
	if err := conn.WriteJSON(sessionCfg); err != nil {
		conn.Close()
		return nil, providers.NewProviderError(STTID, providers.FailureUpstream, err)
	}

	h := &sttHandle{
		conn:       conn,
		audioQueue: make(chan []byte, providers.DefaultAudioQueueDepth),
		events:     make(chan providers.TranscriptEvent, 64),
		log:        logger.WithPrefix("openai-stt"),
	}
	go h.writePump()
	go h.readPump()
	return h, nil
}

type sttHandle struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	audioQueue chan []byte
	drops      uint64
	events     chan providers.TranscriptEvent
	closeOnce  sync.Once
	log        *logger.Logger
}

func (h *sttHandle) Provider() string { return STTID }

func (h *sttHandle) PushAudio(pcm []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return providers.ErrHandleDead
	}
	providers.PushDropOldest(h.audioQueue, pcm, &h.drops)
	return nil
}

func (h *sttHandle) Events() <-chan providers.TranscriptEvent { return h.events }

// Flush sends an explicit commit so the server finalizes whatever
// audio has already been appended, mirroring server_vad commit
// semantics used on barge-in boundaries.
func (h *sttHandle) Flush() error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return providers.ErrHandleDead
	}
	return conn.WriteJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

func (h *sttHandle) writePump() {
	for frame := range h.audioQueue {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			continue
		}
		msg := map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(frame),
		}
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Debug("write error: %v", err)
			h.markDead()
			return
		}
	}
}

func (h *sttHandle) markDead() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *sttHandle) readPump() {
	defer h.markDead()
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("read error: %v", err)
			return
		}

		var msg struct {
			Type       string `json:"type"`
			Transcript string `json:"transcript"`
			Delta      string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "conversation.item.input_audio_transcription.completed":
			h.emit(providers.TranscriptEvent{Transcript: msg.Transcript, IsFinal: true})
		case "conversation.item.input_audio_transcription.delta":
			h.emit(providers.TranscriptEvent{Transcript: msg.Delta, IsFinal: false})
		}
	}
}

func (h *sttHandle) emit(event providers.TranscriptEvent) {
	select {
	case h.events <- event:
	default:
	}
}

func (h *sttHandle) Close(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	close(h.audioQueue)
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(grace))
	return conn.Close()
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
