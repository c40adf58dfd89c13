package gateway

import (
	"encoding/json"
	"fmt"
)

// InboundType enumerates the client->gateway control message vocabulary.
type InboundType string

const (
	InConfigure   InboundType = "configure"
	InSpeak       InboundType = "speak"
	InClear       InboundType = "clear"
	InFlush       InboundType = "flush"
	InInterrupt   InboundType = "interrupt"
	InStop        InboundType = "stop"
	InPing        InboundType = "ping"
	InSendMessage InboundType = "send_message"
	InSIPTransfer InboundType = "sip_transfer"
)

// OutboundType enumerates the gateway->client control message vocabulary.
type OutboundType string

const (
	OutReady               OutboundType = "ready"
	OutSTTResult           OutboundType = "stt_result"
	OutTTSAudio            OutboundType = "tts_audio"
	OutTTSPlaybackComplete OutboundType = "tts_playback_complete"
	OutError               OutboundType = "error"
	OutPong                OutboundType = "pong"
	OutSessionUpdate       OutboundType = "session_update"
	OutSpeakingStarted     OutboundType = "speaking_started"
	OutSpeakingFinished    OutboundType = "speaking_finished"
	OutListeningStarted    OutboundType = "listening_started"
	OutListeningStopped    OutboundType = "listening_stopped"
)

// envelope is the only field every inbound message is guaranteed to
// carry; everything else is decoded lazily by type so that unknown
// extra fields are tolerated rather than rejected.
type envelope struct {
	Type InboundType `json:"type"`
}

// STTConfig is the client-supplied STT sub-configuration.
// ConfigureMessage holds it by pointer, so an absent sub-config on a
// later Configure leaves the previous value untouched.
type STTConfig struct {
	Provider   string `json:"provider,omitempty"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// TTSConfig is the client-supplied TTS sub-configuration.
type TTSConfig struct {
	Provider   string `json:"provider,omitempty"`
	Voice      string `json:"voice,omitempty"`
	VoiceID    string `json:"voice_id,omitempty"`
	Model      string `json:"model,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
}

// RealtimeConfig is the client-supplied realtime sub-configuration.
// Configuring this is mutually exclusive with STT.
type RealtimeConfig struct {
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Model    string `json:"model,omitempty"`
}

// LiveKitConfig is opaque passthrough to the external room collaborator.
type LiveKitConfig struct {
	RoomName string `json:"room_name,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ConfigureMessage is the `configure` inbound control message.
type ConfigureMessage struct {
	StreamID string          `json:"stream_id,omitempty"`
	Audio    *bool           `json:"audio,omitempty"`
	STT      *STTConfig      `json:"stt_config,omitempty"`
	TTS      *TTSConfig      `json:"tts_config,omitempty"`
	Realtime *RealtimeConfig `json:"realtime_config,omitempty"`
	LiveKit  *LiveKitConfig  `json:"livekit,omitempty"`
	Features []string        `json:"features,omitempty"`
}

// SpeakMessage is the `speak` inbound control message.
type SpeakMessage struct {
	Text                string   `json:"text"`
	Flush               bool     `json:"flush,omitempty"`
	AllowInterruption   *bool    `json:"allow_interruption,omitempty"`
	Voice               string   `json:"voice,omitempty"`
	VoiceID             string   `json:"voice_id,omitempty"`
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
	Speed               float64  `json:"speed,omitempty"`
	Pitch               float64  `json:"pitch,omitempty"`
	Emotion             string   `json:"emotion,omitempty"`
	EmotionIntensity    float64  `json:"emotion_intensity,omitempty"`
	DeliveryStyle       string   `json:"delivery_style,omitempty"`
	EmotionDescription  string   `json:"emotion_description,omitempty"`
}

// AllowInterruptionOrDefault returns the speak request's interruption
// flag, defaulting to true.
func (s *SpeakMessage) AllowInterruptionOrDefault() bool {
	if s.AllowInterruption == nil {
		return true
	}
	return *s.AllowInterruption
}

// SendMessageMessage is the `send_message` inbound control message
// (opaque passthrough to room peers).
type SendMessageMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
	Topic   string `json:"topic,omitempty"`
	Debug   bool   `json:"debug,omitempty"`
}

// SIPTransferMessage is the `sip_transfer` inbound control message.
type SIPTransferMessage struct {
	TransferTo string `json:"transfer_to"`
}

// Word is one element of an STT result's word-level timing array.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
}

// outbound is the envelope every outbound message shares.
type outbound struct {
	Type OutboundType `json:"type"`
}

type readyMessage struct {
	outbound
	StreamID string `json:"stream_id"`
}

type sttResultMessage struct {
	outbound
	Transcript     string  `json:"transcript"`
	IsFinal        bool    `json:"is_final"`
	IsSpeechFinal  bool    `json:"is_speech_final"`
	Confidence     float64 `json:"confidence,omitempty"`
	Words          []Word  `json:"words,omitempty"`
	Language       string  `json:"language,omitempty"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	ChannelIndex   int     `json:"channel_index"`
}

type ttsAudioMessage struct {
	outbound
	Audio      string  `json:"audio"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Sequence   uint64  `json:"sequence,omitempty"`
}

type ttsPlaybackCompleteMessage struct {
	outbound
	Timestamp int64 `json:"timestamp"`
}

type errorMessage struct {
	outbound
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

type pongMessage struct {
	outbound
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"server_time,omitempty"`
}

type sessionUpdateMessage struct {
	outbound
	Field    string      `json:"field"`
	Value    interface{} `json:"value"`
	Previous interface{} `json:"previous_value,omitempty"`
}

type lifecycleMessage struct {
	outbound
}

// DecodeInbound parses a raw JSON control message and returns the
// discriminated payload. Unknown types yield a recoverable PROTOCOL
// error rather than panicking or silently dropping.
func DecodeInbound(raw []byte) (InboundType, interface{}, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, NewGatewayError(ErrProtocol, "malformed control message: "+err.Error(), true)
	}

	switch env.Type {
	case InConfigure:
		var m ConfigureMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return env.Type, nil, NewGatewayError(ErrProtocol, "malformed configure: "+err.Error(), true)
		}
		return env.Type, &m, nil
	case InSpeak:
		var m SpeakMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return env.Type, nil, NewGatewayError(ErrProtocol, "malformed speak: "+err.Error(), true)
		}
		return env.Type, &m, nil
	case InClear, InFlush, InInterrupt, InStop, InPing:
		return env.Type, nil, nil
	case InSendMessage:
		var m SendMessageMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return env.Type, nil, NewGatewayError(ErrProtocol, "malformed send_message: "+err.Error(), true)
		}
		return env.Type, &m, nil
	case InSIPTransfer:
		var m SIPTransferMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return env.Type, nil, NewGatewayError(ErrProtocol, "malformed sip_transfer: "+err.Error(), true)
		}
		return env.Type, &m, nil
	default:
		return env.Type, nil, NewGatewayError(ErrProtocol, fmt.Sprintf("unknown message type %q", env.Type), true)
	}
}

func EncodeReady(streamID string) []byte {
	b, _ := json.Marshal(readyMessage{outbound{OutReady}, streamID})
	return b
}

func EncodeSTTResult(transcript string, isFinal, isSpeechFinal bool, confidence float64, words []Word, language string, start, end float64, channel int) []byte {
	b, _ := json.Marshal(sttResultMessage{
		outbound:      outbound{OutSTTResult},
		Transcript:    transcript,
		IsFinal:       isFinal,
		IsSpeechFinal: isSpeechFinal,
		Confidence:    confidence,
		Words:         words,
		Language:      language,
		StartTime:     start,
		EndTime:       end,
		ChannelIndex:  channel,
	})
	return b
}

func EncodeTTSAudioJSON(audioBase64, format string, sampleRate int, duration float64, isFinal bool, sequence uint64) []byte {
	b, _ := json.Marshal(ttsAudioMessage{
		outbound:   outbound{OutTTSAudio},
		Audio:      audioBase64,
		Format:     format,
		SampleRate: sampleRate,
		Duration:   duration,
		IsFinal:    isFinal,
		Sequence:   sequence,
	})
	return b
}

func EncodeTTSPlaybackComplete(timestamp int64) []byte {
	b, _ := json.Marshal(ttsPlaybackCompleteMessage{outbound{OutTTSPlaybackComplete}, timestamp})
	return b
}

func EncodeError(err *GatewayError) []byte {
	b, _ := json.Marshal(errorMessage{
		outbound:    outbound{OutError},
		Code:        err.Code,
		Message:     err.Message,
		Details:     err.Details,
		Recoverable: err.Recoverable,
	})
	return b
}

func EncodePong(timestamp, serverTime int64) []byte {
	b, _ := json.Marshal(pongMessage{outbound{OutPong}, timestamp, serverTime})
	return b
}

func EncodeSessionUpdate(field string, value, previous interface{}) []byte {
	b, _ := json.Marshal(sessionUpdateMessage{outbound{OutSessionUpdate}, field, value, previous})
	return b
}

func EncodeLifecycle(t OutboundType) []byte {
	b, _ := json.Marshal(lifecycleMessage{outbound{t}})
	return b
}
