// Package elevenlabs adapts ElevenLabs' multi-context WebSocket
// streaming synthesis API to the providers.TTSHandle contract: one
// persistent WebSocket per handle, a fresh context id per utterance,
// and "cancel-without-close" on interruption (closing the per-utterance
// context but keeping the socket open for the next Speak).
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const ID = "elevenlabs"

func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          ID,
		DisplayName: "ElevenLabs",
		Category:    providers.CategoryTTS,
		Features:    []string{"streaming", "word_timestamps", "multilingual"},
		Languages:   []string{"en", "es", "fr", "de", "it", "pt", "multi"},
		Models:      []string{"eleven_turbo_v2_5", "eleven_flash_v2_5", "eleven_multilingual_v2"},
		ConfigKeys:  []string{"api_key", "voice_id", "model", "sample_rate"},
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
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	model, _ := config["model"].(string)
	if model == "" {
		model = "eleven_turbo_v2_5"
	}
	sampleRate := intOr(config["sample_rate"], 24000)

	wsURL := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=pcm_%d",
		voiceID, model, sampleRate)
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, wsURL, map[string][]string{"xi-api-key": {apiKey}})
	if err != nil {
		return nil, providers.NewProviderError(ID, providers.FailureUpstream, err)
	}

	h := &Handle{
		conn:       conn,
		voiceID:    voiceID,
		model:      model,
		sampleRate: sampleRate,
		frames:     make(chan providers.AudioChunk, 32),
		log:        logger.WithPrefix("elevenlabs"),
	}
	go h.readPump()
	return h, nil
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

type wsMessage struct {
	Text          string                 `json:"text"`
	VoiceSettings map[string]interface{} `json:"voice_settings,omitempty"`
	ContextID     string                 `json:"context_id,omitempty"`
	Flush         bool                   `json:"flush,omitempty"`
	CloseContext  bool                   `json:"close_context,omitempty"`
	XIAPIKey      string                 `json:"xi_api_key,omitempty"`
}

type wsResponse struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	ContextID string `json:"contextId"`
	Error     string `json:"error"`
}

// Handle is the ElevenLabs streaming TTS handle: one WebSocket, one
// live context id per utterance.
type Handle struct {
	conn       *websocket.Conn
	voiceID    string
	model      string
	sampleRate int

	mu         sync.Mutex
	contextID  string
	gotFinal   bool
	frames     chan providers.AudioChunk
	closed     bool

	log *logger.Logger
}

func (h *Handle) Provider() string { return ID }

// Speak implements providers.TTSHandle. It opens a fresh context per
// utterance, never accumulating contexts across utterances, and writes
// the text plus a flush so ElevenLabs emits audio immediately rather
// than waiting to batch further text.
func (h *Handle) Speak(ctx context.Context, req providers.SpeakRequest) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return providers.ErrHandleDead
	}
	contextID := uuid.NewString()
	h.contextID = contextID
	h.gotFinal = false
	conn := h.conn
	h.mu.Unlock()

	settings := map[string]interface{}{}
	if req.Speed > 0 {
		settings["speed"] = req.Speed
	}
	msg := wsMessage{
		Text:          req.Text + " ",
		VoiceSettings: settings,
		ContextID:     contextID,
		Flush:         true,
	}
	return conn.WriteJSON(msg)
}

// Interrupt closes the current utterance's context without tearing down
// the socket, so the connection is ready for the next Speak.
func (h *Handle) Interrupt() error {
	h.mu.Lock()
	contextID := h.contextID
	conn := h.conn
	h.mu.Unlock()
	if contextID == "" || conn == nil {
		return nil
	}
	return conn.WriteJSON(wsMessage{ContextID: contextID, CloseContext: true})
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
	// ElevenLabs' multi-context socket is bound to a voice/model at dial
	// time. The new values are only recorded on the handle; this handle's
	// Speak calls keep using the voice/model the socket was dialed with,
	// and a newly opened handle takes its voice/model from its own config.
	return nil
}

func (h *Handle) Frames() <-chan providers.AudioChunk { return h.frames }

func (h *Handle) readPump() {
	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				h.log.Debug("read error: %v", err)
			}
			h.closeFrames()
			return
		}
		var resp wsResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			h.log.Debug("upstream error: %s", resp.Error)
			continue
		}

		h.mu.Lock()
		current := h.contextID
		h.mu.Unlock()
		if resp.ContextID != "" && resp.ContextID != current {
			continue // stale chunk from an interrupted/replaced context
		}

		var data []byte
		if resp.Audio != "" {
			data, err = base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
		}
		if resp.IsFinal {
			h.mu.Lock()
			h.gotFinal = true
			h.mu.Unlock()
		}
		if len(data) == 0 && !resp.IsFinal {
			continue
		}

		select {
		case h.frames <- providers.AudioChunk{Data: data, Format: "linear16", SampleRate: h.sampleRate, IsFinal: resp.IsFinal}:
		default:
		}
	}
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
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(grace))
	err := conn.Close()
	h.closeFrames()
	return err
}
