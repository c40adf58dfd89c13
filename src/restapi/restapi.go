// Package restapi implements the gateway's REST helpers: health, voice
// listing, one-shot TTS, and provider discovery, all routed directly on
// net/http.ServeMux (the same plain-mux-plus-http.Server style the
// gateway's WebSocket handler uses, no routing framework). POST
// /livekit/token remains a documented interface only (RoomTokenIssuer);
// there is no concrete LiveKit wiring here since room orchestration is
// external infrastructure.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/square-key-labs/waav/src/audio"
	"github.com/square-key-labs/waav/src/cache"
	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
	"github.com/square-key-labs/waav/src/providers/registry"
)

// RoomTokenIssuer mints a LiveKit/SIP room access token. No concrete
// implementation is wired; room orchestration is external
// infrastructure.
type RoomTokenIssuer interface {
	IssueToken(ctx context.Context, room, identity string) (string, error)
}

// Credentials resolves a provider's config map the same way
// session.Options.Credentials does, so /speak can open an ephemeral TTS
// handle with real credentials.
type Credentials func(provider string) map[string]interface{}

// Server holds the dependencies the REST handlers need: the provider
// registry (for discovery/health and to open TTS handles) and the
// shared TTS cache (so /speak shares synthesis with the streaming
// path).
type Server struct {
	Registry        *registry.Registry
	Cache           *cache.Cache
	Credentials     Credentials
	RoomTokenIssuer RoomTokenIssuer // nil unless the caller wires one in

	// OpenTimeout bounds how long /speak will wait for the upstream TTS
	// provider to finish one utterance, mirroring the session core's
	// provider open budget (default 10s for open; here it covers
	// open+synthesize end to end since this is a single request/response
	// call).
	OpenTimeout time.Duration

	log *logger.Logger
}

func NewServer(reg *registry.Registry, c *cache.Cache, creds Credentials) *Server {
	return &Server{
		Registry:    reg,
		Cache:       c,
		Credentials: creds,
		OpenTimeout: 15 * time.Second,
		log:         logger.WithPrefix("restapi"),
	}
}

// Register mounts every handler this server owns onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/voices", s.handleVoices)
	mux.HandleFunc("/speak", s.handleSpeak)
	mux.HandleFunc("/livekit/token", s.handleLiveKitToken)
	mux.HandleFunc("/plugins", s.handlePlugins)
	mux.HandleFunc("/plugins/", s.handlePluginsPath)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVoices lists the models a provider advertises as its "voices",
// reusing Descriptor.Models since the registry has no separate
// per-voice catalog (no adapter in the pack exposes a richer voice-list
// API than its model list).
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		writeJSON(w, http.StatusOK, s.Registry.List(registry.ListFilter{}))
		return
	}
	desc, ok := s.Registry.Get(provider)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider %q", provider)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": desc.ID,
		"voices":   desc.Models,
	})
}

type speakRequestBody struct {
	Text       string  `json:"text"`
	Provider   string  `json:"provider"`
	Voice      string  `json:"voice"`
	VoiceID    string  `json:"voice_id"`
	Model      string  `json:"model"`
	SampleRate int     `json:"sample_rate"`
	Format     string  `json:"format"`
	Speed      float64 `json:"speed"`
	Pitch      float64 `json:"pitch"`
	Emotion    string  `json:"emotion"`
}

// handleSpeak implements the one-shot TTS REST path: synthesize once,
// consulting the shared cache so a repeated request for the same
// (provider, voice, model, text, ...) fingerprint never pays for a
// second upstream synthesis.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body speakRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	if body.Text == "" || body.Provider == "" {
		writeError(w, http.StatusBadRequest, "text and provider are required")
		return
	}
	voice := body.Voice
	if voice == "" {
		voice = body.VoiceID
	}
	sampleRate := body.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}
	format := body.Format
	if format == "" {
		format = "linear16"
	}

	fp := cache.Fingerprint{
		Provider:   body.Provider,
		Voice:      voice,
		Model:      body.Model,
		SampleRate: sampleRate,
		Format:     format,
		Text:       body.Text,
		Prosody:    fmt.Sprintf("speed=%.3f;pitch=%.3f;emotion=%s", body.Speed, body.Pitch, body.Emotion),
	}

	art, err := s.Cache.GetOrCompute(fp, func() (cache.Artifact, error) {
		return s.synthesizeOnce(r.Context(), body, voice, sampleRate, format)
	})
	if err != nil {
		var perr *providers.ProviderError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadGateway, "%s: %v", perr.Provider, perr.Err)
			return
		}
		writeError(w, http.StatusInternalServerError, "synthesis failed: %v", err)
		return
	}

	w.Header().Set("X-Audio-Format", art.Format)
	w.Header().Set("X-Sample-Rate", strconv.Itoa(art.SampleRate))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

// synthesizeOnce always asks the provider for linear16 PCM: no adapter
// in the registry emits Opus natively, so a caller requesting
// `format: opus` gets a gateway-side transcode (audio.EncodeLinear16ToOpus) of the
// provider's linear16 output rather than teaching every adapter a new
// wire format.
func (s *Server) synthesizeOnce(ctx context.Context, body speakRequestBody, voice string, sampleRate int, format string) (cache.Artifact, error) {
	providerFormat := format
	if format == "opus" {
		providerFormat = "linear16"
	}

	open, _, err := s.Registry.Open(body.Provider)
	if err != nil {
		return cache.Artifact{}, providers.NewProviderError(body.Provider, providers.FailureProtocolMismatch, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.OpenTimeout)
	defer cancel()

	var cfg map[string]interface{}
	if s.Credentials != nil {
		cfg = s.Credentials(body.Provider)
	}

	handle, err := open(ctx, cfg)
	if err != nil {
		return cache.Artifact{}, err
	}
	ttsHandle, ok := handle.(providers.TTSHandle)
	if !ok {
		_ = handle.Close(ctx, 0)
		return cache.Artifact{}, providers.NewProviderError(body.Provider, providers.FailureProtocolMismatch,
			fmt.Errorf("provider %q is not a TTS provider", body.Provider))
	}
	defer func() { _ = ttsHandle.Close(context.Background(), 2*time.Second) }()

	if err := ttsHandle.Speak(ctx, providers.SpeakRequest{
		Text:       body.Text,
		Voice:      voice,
		Model:      body.Model,
		SampleRate: sampleRate,
		Format:     providerFormat,
		Speed:      body.Speed,
		Pitch:      body.Pitch,
		Emotion:    body.Emotion,
	}); err != nil {
		return cache.Artifact{}, err
	}

	var data []byte
	for {
		select {
		case chunk, ok := <-ttsHandle.Frames():
			if !ok {
				return s.finishArtifact(data, format, sampleRate, body.Provider)
			}
			data = append(data, chunk.Data...)
			if chunk.IsFinal {
				return s.finishArtifact(data, format, sampleRate, body.Provider)
			}
		case <-ctx.Done():
			return cache.Artifact{}, providers.NewProviderError(body.Provider, providers.FailureUpstream, ctx.Err())
		}
	}
}

// finishArtifact transcodes the accumulated linear16 PCM to the
// caller's requested format if it differs (currently only opus is
// supported as a transcode target).
func (s *Server) finishArtifact(data []byte, format string, sampleRate int, provider string) (cache.Artifact, error) {
	if format != "opus" {
		return cache.Artifact{Data: data, Format: format, SampleRate: sampleRate}, nil
	}
	encoded, err := audio.EncodeLinear16ToOpus(data, sampleRate)
	if err != nil {
		return cache.Artifact{}, providers.NewProviderError(provider, providers.FailureProtocolMismatch, err)
	}
	return cache.Artifact{Data: encoded, Format: "opus", SampleRate: sampleRate}, nil
}

func (s *Server) handleLiveKitToken(w http.ResponseWriter, r *http.Request) {
	if s.RoomTokenIssuer == nil {
		writeError(w, http.StatusNotImplemented, "livekit room token issuance is not wired in this deployment")
		return
	}
	var body struct {
		Room     string `json:"room"`
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}
	token, err := s.RoomTokenIssuer.IssueToken(r.Context(), body.Room, body.Identity)
	if err != nil {
		writeError(w, http.StatusBadGateway, "token issuance failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List(registry.ListFilter{}))
}

// handlePluginsPath serves /plugins/{category}, /plugins/{id} and
// /plugins/{id}/health. A category always matches one of
// stt/tts/realtime; anything else is treated as a provider id.
func (s *Server) handlePluginsPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/plugins/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		s.handlePlugins(w, r)
		return
	}
	parts := strings.Split(rest, "/")

	if len(parts) == 1 {
		if cat, ok := parseCategory(parts[0]); ok {
			writeJSON(w, http.StatusOK, s.Registry.List(registry.ListFilter{Category: &cat}))
			return
		}
		desc, ok := s.Registry.Get(parts[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider %q", parts[0])
			return
		}
		writeJSON(w, http.StatusOK, desc)
		return
	}

	if len(parts) == 2 && parts[1] == "health" {
		if _, ok := s.Registry.Get(parts[0]); !ok {
			writeError(w, http.StatusNotFound, "unknown provider %q", parts[0])
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"provider": parts[0],
			"health":   s.Registry.Health(parts[0]).String(),
		})
		return
	}

	http.NotFound(w, r)
}

func parseCategory(s string) (providers.Category, bool) {
	switch s {
	case "stt":
		return providers.CategorySTT, true
	case "tts":
		return providers.CategoryTTS, true
	case "realtime":
		return providers.CategoryRealtime, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
