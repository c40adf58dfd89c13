// Package cartesia adapts Cartesia's context-based streaming synthesis
// WebSocket API to the providers.TTSHandle contract: one persistent
// WebSocket, a fresh context id per utterance, "cancel: true" to
// interrupt without tearing the socket down, and reconnect-on-timeout
// in the read loop (Cartesia closes idle sockets after 5 minutes).
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const ID = "cartesia"

func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          ID,
		DisplayName: "Cartesia",
		Category:    providers.CategoryTTS,
		Features:    []string{"streaming", "word_timestamps", "generation_config"},
		Languages:   []string{"en", "es", "fr", "de", "ja", "zh"},
		Models:      []string{"sonic-3", "sonic-2024-10-19"},
		ConfigKeys:  []string{"api_key", "voice_id", "model", "sample_rate", "encoding", "cartesia_version"},
	}
}

func Open(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, providers.NewProviderError(ID, providers.FailureAuthentication, fmt.Errorf("missing api_key"))
	}
	voiceID, _ := config["voice_id"].(string)
	if voiceID == "" {
		voiceID, _ = config["voice"].(string)
	}
	model := stringOr(config["model"], "sonic-3")
	version := stringOr(config["cartesia_version"], "2025-04-16")
	language := stringOr(config["language"], "en")
	sampleRate := intOr(config["sample_rate"], 24000)
	encoding := stringOr(config["encoding"], "pcm_s16le")

	h := &Handle{
		apiKey:     apiKey,
		voiceID:    voiceID,
		model:      model,
		version:    version,
		language:   language,
		sampleRate: sampleRate,
		encoding:   encoding,
		frames:     make(chan providers.AudioChunk, 32),
		backoff:    providers.DefaultBackoffPolicy(),
		log:        logger.WithPrefix("cartesia"),
	}
	if err := h.dial(ctx); err != nil {
		return nil, err
	}
	go h.readPump()
	return h, nil
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

// Handle is the Cartesia streaming TTS handle: one WebSocket, one live
// context id per utterance, reconnect-on-read-error.
type Handle struct {
	apiKey     string
	voiceID    string
	model      string
	version    string
	language   string
	sampleRate int
	encoding   string

	mu        sync.Mutex
	conn      *websocket.Conn
	contextID string
	closed    bool
	attempts  int
	backoff   providers.BackoffPolicy

	frames chan providers.AudioChunk
	log    *logger.Logger
}

func (h *Handle) Provider() string { return ID }

func (h *Handle) dial(ctx context.Context) error {
	wsURL := fmt.Sprintf("wss://api.cartesia.ai/tts/websocket?api_key=%s&cartesia_version=%s", h.apiKey, h.version)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return providers.NewProviderError(ID, providers.FailureAuthentication, err)
		}
		return providers.NewProviderError(ID, providers.FailureUpstream, err)
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	return nil
}

// Speak implements providers.TTSHandle, opening a fresh context per
// utterance and sending one complete-transcript chunk with continue:
// false, since the session core already delivers whole utterances.
func (h *Handle) Speak(ctx context.Context, req providers.SpeakRequest) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return providers.ErrHandleDead
	}
	contextID := uuid.NewString()
	h.contextID = contextID
	conn := h.conn
	h.mu.Unlock()

	msg := map[string]interface{}{
		"transcript": req.Text,
		"continue":   false,
		"context_id": contextID,
		"model_id":   h.model,
		"voice":      map[string]interface{}{"mode": "id", "id": h.voiceID},
		"output_format": map[string]interface{}{
			"container":   "raw",
			"encoding":    h.encoding,
			"sample_rate": h.sampleRate,
		},
		"language":       h.language,
		"add_timestamps": true,
	}
	genConfig := map[string]interface{}{}
	if req.Speed > 0 {
		genConfig["speed"] = req.Speed
	}
	if req.Emotion != "" {
		genConfig["emotion"] = req.Emotion
	}
	if len(genConfig) > 0 {
		msg["generation_config"] = genConfig
	}
	return conn.WriteJSON(msg)
}

// Interrupt cancels the in-flight context without closing the socket, so
// the connection is ready for the next Speak without accumulating
// contexts.
func (h *Handle) Interrupt() error {
	h.mu.Lock()
	contextID := h.contextID
	conn := h.conn
	h.mu.Unlock()
	if contextID == "" || conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{"context_id": contextID, "cancel": true})
}

func (h *Handle) UpdateVoice(voice, model string) error {
	h.mu.Lock()
	if voice != "" {
		h.voiceID = voice
	}
	if model != "" {
		h.model = model
	}
	h.mu.Unlock()
	return nil
}

func (h *Handle) Frames() <-chan providers.AudioChunk { return h.frames }

func (h *Handle) readPump() {
	for {
		h.mu.Lock()
		conn := h.conn
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if !h.reconnect() {
				h.closeFrames()
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				h.closeFrames()
				return
			}
			h.log.Debug("read error, attempting reconnect: %v", err)
			h.mu.Lock()
			h.conn = nil
			h.mu.Unlock()
			if !h.reconnect() {
				h.closeFrames()
				return
			}
			continue
		}

		var resp map[string]interface{}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		msgType, _ := resp["type"].(string)
		receivedCtxID, _ := resp["context_id"].(string)

		h.mu.Lock()
		current := h.contextID
		h.mu.Unlock()
		if receivedCtxID != "" && receivedCtxID != current {
			continue // stale chunk from a cancelled/replaced context
		}

		switch msgType {
		case "chunk":
			audioB64, _ := resp["data"].(string)
			if audioB64 == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(audioB64)
			if err != nil {
				continue
			}
			select {
			case h.frames <- providers.AudioChunk{Data: data, Format: "linear16", SampleRate: h.sampleRate}:
			default:
			}
		case "done":
			select {
			case h.frames <- providers.AudioChunk{Format: "linear16", SampleRate: h.sampleRate, IsFinal: true}:
			default:
			}
		case "error":
			errMsg, _ := resp["error"].(string)
			h.log.Debug("upstream error: %s", errMsg)
		}
	}
}

func (h *Handle) reconnect() bool {
	h.mu.Lock()
	h.attempts++
	attempt := h.attempts
	h.mu.Unlock()
	if h.backoff.Exhausted(attempt) {
		return false
	}
	time.Sleep(h.backoff.Delay(attempt))
	return h.dial(context.Background()) == nil
}

func (h *Handle) closeFrames() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.frames)
	}
}

func (h *Handle) Close(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	h.closeFrames()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(grace))
	return conn.Close()
}
