// Package deepgram adapts Deepgram's streaming transcription WebSocket
// API to the providers.STTHandle contract: Open dials immediately, a
// keepalive ticker runs alongside, a write failure triggers a reconnect
// with backoff within the retry budget (the frame whose write failed is
// not re-sent), and Flush sends Deepgram's Finalize message.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const baseURL = "wss://api.deepgram.com/v1/listen"

// ID is the provider id registered with the provider registry.
const ID = "deepgram"

// Descriptor describes this provider for registry listing/discovery.
func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          ID,
		DisplayName: "Deepgram",
		Category:    providers.CategorySTT,
		Features:    []string{"streaming", "interim_results", "diarization"},
		Languages:   []string{"en-US", "en-GB", "es", "fr", "de", "multi"},
		Models:      []string{"nova-2", "nova-3", "enhanced", "base"},
		ConfigKeys:  []string{"api_key", "language", "model", "sample_rate", "encoding"},
	}
}

// Open implements providers.OpenFunc for the registry.
func Open(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return nil, providers.NewProviderError(ID, providers.FailureAuthentication, fmt.Errorf("missing api_key"))
	}
	language, _ := config["language"].(string)
	if language == "" {
		language = "en-US"
	}
	model, _ := config["model"].(string)
	if model == "" {
		model = "nova-2"
	}
	encoding := normalizeEncoding(stringOr(config["encoding"], "linear16"))
	sampleRate := intOr(config["sample_rate"], 16000)

	h := &Handle{
		apiKey:     apiKey,
		language:   language,
		model:      model,
		encoding:   encoding,
		sampleRate: sampleRate,
		events:     make(chan providers.TranscriptEvent, 64),
		audioQueue: make(chan []byte, providers.DefaultAudioQueueDepth),
		log:        logger.WithPrefix("deepgram"),
		backoff:    providers.DefaultBackoffPolicy(),
	}
	if err := h.connect(ctx); err != nil {
		return nil, err
	}
	go h.writePump()
	go h.readPump()
	go h.keepalive()
	return h, nil
}

func normalizeEncoding(encoding string) string {
	switch encoding {
	case "ulaw", "PCMU":
		return "mulaw"
	case "PCMA":
		return "alaw"
	case "pcm", "PCM", "":
		return "linear16"
	default:
		return encoding
	}
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
	case int64:
		if n != 0 {
			return int(n)
		}
	case float64:
		if n != 0 {
			return int(n)
		}
	}
	return def
}

// Handle is the Deepgram STT provider handle.
type Handle struct {
	apiKey     string
	language   string
	model      string
	encoding   string
	sampleRate int

	mu       sync.Mutex
	conn     *websocket.Conn
	dead     bool
	attempts int
	backoff  providers.BackoffPolicy

	audioQueue chan []byte
	drops      uint64
	events     chan providers.TranscriptEvent
	closeOnce  sync.Once
	done       chan struct{}

	log *logger.Logger
}

func (h *Handle) Provider() string { return ID }

func (h *Handle) connect(ctx context.Context) error {
	params := url.Values{}
	params.Set("language", h.language)
	params.Set("model", h.model)
	params.Set("encoding", h.encoding)
	params.Set("sample_rate", fmt.Sprintf("%d", h.sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")

	wsURL := baseURL + "?" + params.Encode()
	header := map[string][]string{"Authorization": {"Token " + h.apiKey}}

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return providers.NewProviderError(ID, providers.FailureAuthentication, err)
		}
		return providers.NewProviderError(ID, providers.FailureUpstream, err)
	}

	h.mu.Lock()
	h.conn = conn
	if h.done == nil {
		h.done = make(chan struct{})
	}
	h.mu.Unlock()
	return nil
}

func (h *Handle) writePump() {
	for frame := range h.audioQueue {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			h.log.Debug("write error, attempting reconnect: %v", err)
			if !h.reconnectWithBackoff(context.Background()) {
				h.markDead()
				return
			}
		}
	}
}

func (h *Handle) reconnectWithBackoff(ctx context.Context) bool {
	h.mu.Lock()
	h.attempts++
	attempt := h.attempts
	h.mu.Unlock()

	if h.backoff.Exhausted(attempt) {
		return false
	}
	time.Sleep(h.backoff.Delay(attempt))
	if err := h.connect(ctx); err != nil {
		return false
	}
	go h.readPump()
	return true
}

func (h *Handle) markDead() {
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *Handle) readPump() {
	defer func() {
		// Close clears h.conn before closing the socket; once that has
		// happened, end the Events stream.
		h.mu.Lock()
		closing := h.conn == nil
		h.mu.Unlock()
		if closing {
			h.markDead()
		}
	}()
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			h.log.Debug("read error: %v", err)
			return
		}

		var resp struct {
			IsFinal bool `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
					Words      []struct {
						Word       string  `json:"word"`
						Start      float64 `json:"start"`
						End        float64 `json:"end"`
						Confidence float64 `json:"confidence"`
						Speaker    int     `json:"speaker"`
					} `json:"words"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		var words []providers.Word
		for _, w := range alt.Words {
			words = append(words, providers.Word{
				Word: w.Word, Start: secToDuration(w.Start), End: secToDuration(w.End),
				Confidence: w.Confidence, Speaker: fmt.Sprintf("%d", w.Speaker),
			})
		}
		te := providers.TranscriptEvent{
			Transcript: alt.Transcript,
			IsFinal:    resp.IsFinal,
			Confidence: alt.Confidence,
			Words:      words,
			Language:   h.language,
		}
		select {
		case h.events <- te:
		default:
		}
	}
}

func secToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (h *Handle) keepalive() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.doneChan():
			return
		case <-ticker.C:
			h.mu.Lock()
			conn := h.conn
			h.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (h *Handle) doneChan() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// PushAudio implements providers.STTHandle.
func (h *Handle) PushAudio(pcm []byte) error {
	h.mu.Lock()
	dead := h.dead
	h.mu.Unlock()
	if dead {
		return providers.ErrHandleDead
	}
	providers.PushDropOldest(h.audioQueue, pcm, &h.drops)
	return nil
}

// Events implements providers.STTHandle.
func (h *Handle) Events() <-chan providers.TranscriptEvent { return h.events }

// Flush sends Deepgram's Finalize control message, forcing a synthetic
// final for whatever utterance is pending. The session core calls it
// when the client sends a `flush` control message.
func (h *Handle) Flush() error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return providers.ErrHandleDead
	}
	return conn.WriteJSON(map[string]string{"type": "Finalize"})
}

// Close implements providers.Handle.
func (h *Handle) Close(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	done := h.done
	h.mu.Unlock()

	close(h.audioQueue)
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(grace))
		return conn.Close()
	}
	return nil
}
