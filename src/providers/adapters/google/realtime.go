// Package google adapts Gemini's Live API (BidiGenerateContent) to the
// providers.RealtimeHandle contract via google.golang.org/genai's Live
// client. Message shapes (realtime audio input, modelTurn/inlineData
// audio output, turnComplete/interrupted signaling) are grounded on the
// pack's own raw-WebSocket Gemini Live adapters (e.g.
// pkg/provider/s2s/gemini in the retrieved examples); here the official
// SDK's Live session takes the place of hand-rolled JSON framing.
package google

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	"google.golang.org/genai"

	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
)

const ID = "google"

func Descriptor() providers.Descriptor {
	return providers.Descriptor{
		ID:          ID,
		DisplayName: "Google Gemini Live",
		Category:    providers.CategoryRealtime,
		Features:    []string{"realtime", "duplex_audio", "input_transcription", "output_transcription"},
		Languages:   []string{"en", "multi"},
		Models:      []string{"gemini-2.0-flash-live-001", "gemini-2.5-flash-native-audio-preview"},
		ConfigKeys:  []string{"api_key", "project", "location", "model", "voice", "system_instruction"},
	}
}

// Open implements providers.OpenFunc. It supports both the Gemini
// Developer API (api_key) and Vertex AI (project/location, Application
// Default Credentials resolved via cloud.google.com/go/auth).
func Open(ctx context.Context, config map[string]interface{}) (providers.Handle, error) {
	model := stringOr(config["model"], "gemini-2.0-flash-live-001")
	voice := stringOr(config["voice"], "Puck")
	systemInstruction, _ := config["system_instruction"].(string)

	clientConfig := &genai.ClientConfig{}
	apiKey, _ := config["api_key"].(string)
	if apiKey != "" {
		clientConfig.APIKey = apiKey
		clientConfig.Backend = genai.BackendGeminiAPI
	} else {
		project, _ := config["project"].(string)
		location := stringOr(config["location"], "us-central1")
		if project == "" {
			return nil, providers.NewProviderError(ID, providers.FailureAuthentication, fmt.Errorf("missing api_key or project"))
		}
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, providers.NewProviderError(ID, providers.FailureAuthentication, err)
		}
		clientConfig.Backend = genai.BackendVertexAI
		clientConfig.Project = project
		clientConfig.Location = location
		clientConfig.Credentials = creds
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, providers.NewProviderError(ID, providers.FailureUpstream, err)
	}

	liveConfig := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if systemInstruction != "" {
		liveConfig.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	session, err := client.Live.Connect(ctx, model, liveConfig)
	if err != nil {
		return nil, providers.NewProviderError(ID, providers.FailureUpstream, err)
	}

	h := &Handle{
		session: session,
		frames:  make(chan providers.AudioChunk, 32),
		events:  make(chan providers.TranscriptEvent, 32),
		log:     logger.WithPrefix("google-realtime"),
	}
	go h.receiveLoop()
	return h, nil
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// Handle bridges one Gemini Live session as a providers.RealtimeHandle:
// duplex audio plus the model's own input/output transcriptions,
// surfaced through the same TranscriptEvent shape the STT adapters use.
type Handle struct {
	session *genai.Session

	mu     sync.Mutex
	closed bool

	frames chan providers.AudioChunk
	events chan providers.TranscriptEvent

	log *logger.Logger
}

func (h *Handle) Provider() string { return ID }

// PushAudio implements providers.RealtimeHandle, forwarding linear16
// PCM as a realtime media chunk.
func (h *Handle) PushAudio(pcm []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return providers.ErrHandleDead
	}
	h.mu.Unlock()

	return h.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=16000"},
	})
}

func (h *Handle) Frames() <-chan providers.AudioChunk { return h.frames }

func (h *Handle) Events() <-chan providers.TranscriptEvent { return h.events }

// Interrupt signals the model turn ended early by sending an empty
// turnComplete client content; Gemini Live itself detects barge-in from
// the input audio stream, so this is advisory.
func (h *Handle) Interrupt() error {
	return h.session.SendClientContent(genai.LiveClientContent{TurnComplete: true})
}

func (h *Handle) receiveLoop() {
	for {
		msg, err := h.session.Receive()
		if err != nil {
			h.log.Debug("receive error: %v", err)
			h.closeChannels()
			return
		}
		if msg.ServerContent == nil {
			continue
		}
		sc := msg.ServerContent

		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			h.emitEvent(providers.TranscriptEvent{Transcript: sc.InputTranscription.Text, IsFinal: true})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			h.emitEvent(providers.TranscriptEvent{Transcript: sc.OutputTranscription.Text, IsFinal: sc.TurnComplete})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				h.emitFrame(providers.AudioChunk{
					Data:       part.InlineData.Data,
					Format:     "linear16",
					SampleRate: 24000,
					IsFinal:    sc.TurnComplete,
				})
			}
		}
		if sc.Interrupted {
			h.emitFrame(providers.AudioChunk{IsFinal: true})
		}
	}
}

func (h *Handle) emitFrame(chunk providers.AudioChunk) {
	select {
	case h.frames <- chunk:
	default:
	}
}

func (h *Handle) emitEvent(event providers.TranscriptEvent) {
	select {
	case h.events <- event:
	default:
	}
}

func (h *Handle) closeChannels() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.frames)
		close(h.events)
	}
}

func (h *Handle) Close(ctx context.Context, grace time.Duration) error {
	h.closeChannels()
	return h.session.Close()
}
