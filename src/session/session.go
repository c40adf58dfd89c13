// Package session implements the per-connection voice session core: the
// state machine that fans client audio into the active STT/Realtime
// handle while fanning TTS audio back, enforcing ordering, barge-in,
// cancellation and backpressure. It is built as a single actor goroutine
// consuming from an input channel that multiplexes transport reads,
// upstream provider events and timers.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/waav/src/audio"
	"github.com/square-key-labs/waav/src/cache"
	"github.com/square-key-labs/waav/src/dsp"
	"github.com/square-key-labs/waav/src/gateway"
	"github.com/square-key-labs/waav/src/interruptions"
	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
	"github.com/square-key-labs/waav/src/providers/registry"
)

// State is one of the session lifecycle states.
type State int

const (
	StateOpening State = iota
	StateConfiguring
	StateReady
	StateListening
	StateSpeaking
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InboundKind discriminates what a connection shell is handing the
// session on its input channel.
type InboundKind int

const (
	InboundControl InboundKind = iota
	InboundAudio
	InboundTransportClosed
)

// InboundEvent is one unit of work submitted by the connection shell.
type InboundEvent struct {
	Kind    InboundKind
	Control gateway.InboundType
	Payload interface{}
	Audio   []byte
}

// Options configures a Session at construction time. Registry and
// Cache are the two process-wide globals shared across sessions;
// everything else has a sane default.
type Options struct {
	Registry *registry.Registry
	Cache    *cache.Cache

	// Credentials resolves the provider-specific config map (api keys,
	// base URLs, ...) merged into the client-supplied sub-config before
	// a handle is opened. May be nil.
	Credentials func(provider string) map[string]interface{}

	NewInterruptionStrategy func() interruptions.InterruptionStrategy
	NoiseSuppressor         dsp.NoiseSuppressor
	EndOfTurn               dsp.EndOfTurnClassifier

	IdleBase      time.Duration // default 300s
	DrainTimeout  time.Duration // default 2s (TTS) - used for Close()
	OpenTimeout   time.Duration // default 10s
	ChunkBytes    int           // chunk size for cache-hit re-streaming, default 4096
	SlowClientCap time.Duration // default 1s; not read by the session (transports.ConnectionOptions.SlowClientBudget enforces the egress budget)
}

func (o *Options) setDefaults() {
	if o.IdleBase == 0 {
		o.IdleBase = 300 * time.Second
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.ChunkBytes == 0 {
		o.ChunkBytes = 4096
	}
	if o.SlowClientCap == 0 {
		o.SlowClientCap = time.Second
	}
	if o.NoiseSuppressor == nil {
		o.NoiseSuppressor = dsp.NoopNoiseSuppressor{}
	}
	if o.EndOfTurn == nil {
		o.EndOfTurn = dsp.NoopEndOfTurnClassifier{}
	}
}

// utterance tracks the single in-flight Speak dispatch.
type utterance struct {
	req               providers.SpeakRequest
	allowInterruption bool
	frames            chan providers.AudioChunk
	interrupted       atomic.Bool
	done              chan struct{}
}

// Session is the per-connection actor. Exactly one goroutine calls Run;
// every other interaction happens over channels.
type Session struct {
	id  string
	log *logger.Logger
	opt Options

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan InboundEvent
	out     chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	closeCode gateway.CloseCode
	closeMsg  string

	mu             sync.Mutex
	state          State
	sttConfig      *gateway.STTConfig
	ttsConfig      *gateway.TTSConfig
	realtimeConfig *gateway.RealtimeConfig

	sttHandle      providers.STTHandle
	ttsHandle      providers.TTSHandle
	realtimeHandle providers.RealtimeHandle

	interruptStrategy interruptions.InterruptionStrategy

	speakQueue   []gateway.SpeakMessage
	current      *utterance
	lastTTSSeq   uint64
	utteranceNum uint64

	lastActivity time.Time
}

// New constructs a Session in StateOpening. Run must be called to drive
// it; the session does nothing until then.
func New(id string, opt Options) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	opt.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	var strategy interruptions.InterruptionStrategy
	if opt.NewInterruptionStrategy != nil {
		strategy = opt.NewInterruptionStrategy()
	}
	return &Session{
		id:                id,
		log:               logger.WithPrefix("session:" + id),
		opt:               opt,
		ctx:               ctx,
		cancel:            cancel,
		inbound:           make(chan InboundEvent, 64),
		out:               make(chan []byte, 256),
		closed:            make(chan struct{}),
		state:             StateOpening,
		lastActivity:      time.Now(),
		interruptStrategy: strategy,
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// Out is the channel of encoded outbound wire frames, in the order the
// session enqueued them.
func (s *Session) Out() <-chan []byte { return s.out }

// Done closes once the session has reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseCode returns the close code to use on the transport once Done
// fires. Defaults to CloseNormal.
func (s *Session) CloseCode() gateway.CloseCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCode == 0 {
		return gateway.CloseNormal
	}
	return s.closeCode
}

// State returns the current state (for tests/metrics).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submit hands one inbound event to the session's actor loop. Blocks if
// the input queue is momentarily full; the queue is sized generously
// (64) since control traffic is already rate-limited by the connection
// shell and audio backpressure is enforced downstream, at the
// provider-push boundary, not here.
func (s *Session) Submit(ev InboundEvent) {
	select {
	case s.inbound <- ev:
	case <-s.closed:
	}
}

// Run is the session's actor loop. It returns once the session reaches
// StateClosed or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.finish()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-stop:
		}
	}()

	idleTimer := time.NewTimer(s.jitteredIdle())
	defer idleTimer.Stop()

	for {
		var sttEvents <-chan providers.TranscriptEvent
		var rtEvents <-chan providers.TranscriptEvent
		var rtFrames <-chan providers.AudioChunk
		var uttFrames <-chan providers.AudioChunk
		var uttDone <-chan struct{}
		var cur *utterance

		s.mu.Lock()
		if s.sttHandle != nil {
			sttEvents = s.sttHandle.Events()
		}
		if s.realtimeHandle != nil {
			rtEvents = s.realtimeHandle.Events()
			rtFrames = s.realtimeHandle.Frames()
		}
		if s.current != nil {
			cur = s.current
			uttFrames = cur.frames
			uttDone = cur.done
		}
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			s.closeWith(gateway.CloseNormal, "context cancelled")
			return

		case ev, ok := <-s.inbound:
			if !ok {
				s.closeWith(gateway.CloseNormal, "input closed")
				return
			}
			s.lastActivity = time.Now()
			idleTimer.Reset(s.jitteredIdle())
			s.handleInbound(ev)

		case te, ok := <-sttEvents:
			if !ok {
				s.onSTTDead()
				continue
			}
			s.handleTranscript(te)

		case te, ok := <-rtEvents:
			if !ok {
				s.onRealtimeDead()
				continue
			}
			s.handleTranscript(te)

		case ac, ok := <-rtFrames:
			if !ok {
				s.onRealtimeDead()
				continue
			}
			s.emitAudioChunk(ac)

		case ac, ok := <-uttFrames:
			if !ok {
				continue
			}
			if cur != nil && cur.interrupted.Load() {
				// Late frames from an interrupted utterance must never
				// reach the client once TTS-Interrupted has been sent.
				continue
			}
			s.emitAudioChunk(ac)
			if ac.IsFinal {
				s.onUtteranceFinal()
			}

		case <-uttDone:
			s.onUtteranceDone()

		case <-idleTimer.C:
			s.closeWith(gateway.CloseIdle, "idle timeout")
			return

		case <-s.closed:
			return
		}
	}
}

func (s *Session) jitteredIdle() time.Duration {
	base := s.opt.IdleBase
	jitter := time.Duration(rand.Int63n(int64(base)/5+1)) - base/10
	d := base + jitter
	if d <= 0 {
		d = base
	}
	return d
}

// --- inbound dispatch -------------------------------------------------

func (s *Session) handleInbound(ev InboundEvent) {
	switch ev.Kind {
	case InboundTransportClosed:
		s.closeWith(gateway.CloseNormal, "transport closed")
		return
	case InboundAudio:
		s.handleAudio(ev.Audio)
		return
	}

	switch ev.Control {
	case gateway.InConfigure:
		msg, _ := ev.Payload.(*gateway.ConfigureMessage)
		if msg == nil {
			msg = &gateway.ConfigureMessage{}
		}
		s.handleConfigure(msg)
	case gateway.InSpeak:
		msg, _ := ev.Payload.(*gateway.SpeakMessage)
		if msg == nil {
			s.emitError(gateway.ErrProtocol, "speak requires a payload", true)
			return
		}
		s.handleSpeak(msg)
	case gateway.InClear:
		s.handleClear()
	case gateway.InFlush:
		s.handleFlush()
	case gateway.InInterrupt, gateway.InStop:
		s.handleInterrupt()
	case gateway.InPing:
		s.out <- gateway.EncodePong(time.Now().UnixMilli(), time.Now().UnixMilli())
	case gateway.InSendMessage, gateway.InSIPTransfer:
		// External room/SIP orchestration isn't handled here;
		// acknowledge receipt so no inbound message is silently dropped.
		s.out <- gateway.EncodeSessionUpdate(string(ev.Control), ev.Payload, nil)
	default:
		s.emitError(gateway.ErrProtocol, fmt.Sprintf("unhandled message type %q", ev.Control), true)
	}
}

// --- configure ----------------------------------------------------------

func (s *Session) handleConfigure(msg *gateway.ConfigureMessage) {
	prevState := s.State()
	wasFirstConfigure := prevState == StateOpening || (prevState == StateConfiguring && !s.hasAnyHandle())
	s.setState(StateConfiguring)

	s.mu.Lock()
	if msg.STT != nil {
		s.sttConfig = msg.STT
	}
	if msg.TTS != nil {
		s.ttsConfig = msg.TTS
	}
	if msg.Realtime != nil {
		s.realtimeConfig = msg.Realtime
	}
	sttCfg, ttsCfg, rtCfg := s.sttConfig, s.ttsConfig, s.realtimeConfig
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opt.OpenTimeout)
	defer cancel()

	// Realtime and STT are mutually exclusive: configuring one tears
	// down the other first.
	if msg.Realtime != nil {
		s.closeSTTHandle()
	}
	if msg.STT != nil {
		s.closeRealtimeHandle()
	}

	if rtCfg != nil && msg.Realtime != nil {
		h, err := s.openRealtime(ctx, rtCfg)
		if err != nil {
			s.configError(wasFirstConfigure, err)
			return
		}
		s.mu.Lock()
		s.realtimeHandle = h
		s.mu.Unlock()
	}

	if sttCfg != nil && msg.STT != nil {
		h, err := s.openSTT(ctx, sttCfg)
		if err != nil {
			s.configError(wasFirstConfigure, err)
			return
		}
		s.replaceSTTHandle(h)
	}

	if ttsCfg != nil && msg.TTS != nil {
		h, err := s.openTTS(ctx, ttsCfg)
		if err != nil {
			s.configError(wasFirstConfigure, err)
			return
		}
		s.replaceTTSHandle(h)
	}

	if wasFirstConfigure {
		s.setState(StateReady)
		s.out <- gateway.EncodeReady(s.id)
		return
	}

	// In-place update mid-session: return to the state we came from.
	if prevState == StateSpeaking || s.current != nil {
		s.setState(StateSpeaking)
	} else if prevState == StateListening {
		s.setState(StateListening)
	} else {
		s.setState(StateReady)
	}
}

func (s *Session) configError(fatal bool, err error) {
	s.log.Error("configure failed: %v", err)
	if fatal {
		s.emitError(gateway.ErrConfig, err.Error(), false)
		s.closeWith(gateway.CloseProtocol, "configuration failed")
		return
	}
	s.emitError(gateway.ErrConfig, err.Error(), true)
	s.setState(StateReady)
}

func (s *Session) openSTT(ctx context.Context, cfg *gateway.STTConfig) (providers.STTHandle, error) {
	open, desc, err := s.opt.Registry.Open(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if desc.Category != providers.CategorySTT {
		return nil, fmt.Errorf("provider %q is not an STT provider", cfg.Provider)
	}
	conf := s.mergeCredentials(cfg.Provider, map[string]interface{}{
		"language":    cfg.Language,
		"model":       cfg.Model,
		"sample_rate": cfg.SampleRate,
	})
	h, err := open(ctx, conf)
	s.opt.Registry.RecordCall(cfg.Provider, err != nil)
	if err != nil {
		return nil, err
	}
	sh, ok := h.(providers.STTHandle)
	if !ok {
		return nil, fmt.Errorf("provider %q did not return an STT handle", cfg.Provider)
	}
	return sh, nil
}

func (s *Session) openTTS(ctx context.Context, cfg *gateway.TTSConfig) (providers.TTSHandle, error) {
	open, desc, err := s.opt.Registry.Open(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if desc.Category != providers.CategoryTTS {
		return nil, fmt.Errorf("provider %q is not a TTS provider", cfg.Provider)
	}
	conf := s.mergeCredentials(cfg.Provider, map[string]interface{}{
		"voice":       cfg.Voice,
		"voice_id":    cfg.VoiceID,
		"model":       cfg.Model,
		"sample_rate": cfg.SampleRate,
		"format":      cfg.Format,
	})
	h, err := open(ctx, conf)
	s.opt.Registry.RecordCall(cfg.Provider, err != nil)
	if err != nil {
		return nil, err
	}
	th, ok := h.(providers.TTSHandle)
	if !ok {
		return nil, fmt.Errorf("provider %q did not return a TTS handle", cfg.Provider)
	}
	return th, nil
}

func (s *Session) openRealtime(ctx context.Context, cfg *gateway.RealtimeConfig) (providers.RealtimeHandle, error) {
	open, desc, err := s.opt.Registry.Open(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if desc.Category != providers.CategoryRealtime {
		return nil, fmt.Errorf("provider %q is not a realtime provider", cfg.Provider)
	}
	conf := s.mergeCredentials(cfg.Provider, map[string]interface{}{
		"voice": cfg.Voice,
		"model": cfg.Model,
	})
	h, err := open(ctx, conf)
	s.opt.Registry.RecordCall(cfg.Provider, err != nil)
	if err != nil {
		return nil, err
	}
	rh, ok := h.(providers.RealtimeHandle)
	if !ok {
		return nil, fmt.Errorf("provider %q did not return a realtime handle", cfg.Provider)
	}
	return rh, nil
}

func (s *Session) mergeCredentials(provider string, base map[string]interface{}) map[string]interface{} {
	if s.opt.Credentials == nil {
		return base
	}
	for k, v := range s.opt.Credentials(provider) {
		if _, exists := base[k]; !exists || base[k] == "" || base[k] == nil {
			base[k] = v
		}
	}
	return base
}

func (s *Session) closeSTTHandle() {
	s.mu.Lock()
	h := s.sttHandle
	s.sttHandle = nil
	s.mu.Unlock()
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = h.Close(ctx, 500*time.Millisecond)
	}
}

func (s *Session) closeRealtimeHandle() {
	s.mu.Lock()
	h := s.realtimeHandle
	s.realtimeHandle = nil
	s.mu.Unlock()
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx, 2*time.Second)
	}
}

// onSTTDead handles the STT event channel closing outside an explicit
// teardown: the adapter exhausted its retry budget and marked itself
// dead. The handle is dropped and a single PROVIDER_PERMANENT surfaces
// while the session and TTS remain usable. Intentional teardowns
// (reconfigure, session close) null the handle before closing it, so
// this is a no-op for those.
func (s *Session) onSTTDead() {
	s.mu.Lock()
	h := s.sttHandle
	s.sttHandle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	_ = h.Close(ctx, 500*time.Millisecond)
	cancel()
	s.emitError(gateway.ErrProviderPermanent, "stt provider stream ended", false)
}

// onRealtimeDead is the realtime counterpart of onSTTDead. Both the
// frame and event channels close together when the upstream dies; the
// first closure nulls the handle here, so the second observes nil and
// emits nothing (and the select stops re-arming on the closed
// channels).
func (s *Session) onRealtimeDead() {
	s.mu.Lock()
	h := s.realtimeHandle
	s.realtimeHandle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = h.Close(ctx, 2*time.Second)
	cancel()
	s.emitError(gateway.ErrProviderPermanent, "realtime provider stream ended", false)
}

func (s *Session) replaceSTTHandle(next providers.STTHandle) {
	s.mu.Lock()
	prev := s.sttHandle
	s.sttHandle = next
	s.mu.Unlock()
	if prev != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = prev.Close(ctx, 500*time.Millisecond)
	}
}

func (s *Session) replaceTTSHandle(next providers.TTSHandle) {
	s.mu.Lock()
	prev := s.ttsHandle
	s.ttsHandle = next
	s.mu.Unlock()
	if prev != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = prev.Close(ctx, 2*time.Second)
	}
}

// --- audio ----------------------------------------------------------

func (s *Session) handleAudio(pcm []byte) {
	if st := s.State(); st == StateReady {
		s.setState(StateListening)
		s.out <- gateway.EncodeLifecycle(gateway.OutListeningStarted)
	}

	s.mu.Lock()
	stt, rt := s.sttHandle, s.realtimeHandle
	sttCfg := s.sttConfig
	cur := s.current
	strategy := s.interruptStrategy
	s.mu.Unlock()

	// Normalize the wire encoding to 16 kHz linear16 before anything
	// downstream sees the frame.
	encoding, inRate := "linear16", 16000
	if sttCfg != nil {
		if sttCfg.Encoding != "" {
			encoding = sttCfg.Encoding
		}
		if sttCfg.SampleRate != 0 {
			inRate = sttCfg.SampleRate
		}
	}
	lin, err := audio.ToLinear16(pcm, encoding, inRate, 16000)
	if err != nil {
		s.log.Debug("ingress audio conversion error: %v", err)
		return
	}

	clean := s.opt.NoiseSuppressor.Suppress(lin, 16000)

	// Audio-driven barge-in: VAD/volume interruption strategies analyze
	// the raw speech signal, so they can fire before the STT produces an
	// interim transcript.
	if cur != nil && cur.allowInterruption && strategy != nil && s.State() == StateSpeaking {
		_ = strategy.AppendAudio(clean, 16000)
		if ok, _ := strategy.ShouldInterrupt(); ok {
			s.doInterrupt()
		}
	}

	switch {
	case rt != nil:
		if err := rt.PushAudio(clean); err != nil {
			s.log.Debug("realtime push_audio error: %v", err)
		}
	case stt != nil:
		if err := stt.PushAudio(clean); err != nil {
			s.log.Debug("stt push_audio error: %v", err)
		}
	default:
		// Client audio arriving before STT/Realtime is ready is dropped
		// silently (no per-frame client-visible error).
	}
}

// --- transcripts / barge-in ------------------------------------------

func (s *Session) handleTranscript(te providers.TranscriptEvent) {
	if s.maybeBargeIn(te) {
		return
	}

	words := make([]gateway.Word, 0, len(te.Words))
	for _, w := range te.Words {
		words = append(words, gateway.Word{
			Word: w.Word, Start: w.Start.Seconds(), End: w.End.Seconds(),
			Confidence: w.Confidence, Speaker: w.Speaker,
		})
	}
	isSpeechFinal := te.IsFinal
	if te.IsFinal {
		_ = s.opt.EndOfTurn.Classify(te.Transcript)
	}
	s.out <- gateway.EncodeSTTResult(te.Transcript, te.IsFinal, isSpeechFinal, te.Confidence, words, te.Language,
		te.Start.Seconds(), te.End.Seconds(), te.Channel)
}

// maybeBargeIn applies the barge-in policy: a provisional speech
// detection event while Speaking with
// allow_interruption=true interrupts the current utterance before any
// transcript for the new speech is delivered. Returns true if it
// consumed te as the interrupting signal: it then emits the
// TTS-Interrupted boundary first and delivers te itself right after,
// so the caller must not deliver te again.
func (s *Session) maybeBargeIn(te providers.TranscriptEvent) bool {
	s.mu.Lock()
	cur := s.current
	strategy := s.interruptStrategy
	s.mu.Unlock()

	if cur == nil || !cur.allowInterruption || s.State() != StateSpeaking {
		return false
	}
	if strings.TrimSpace(te.Transcript) == "" {
		return false
	}

	triggered := true
	if strategy != nil {
		_ = strategy.AppendText(te.Transcript)
		ok, _ := strategy.ShouldInterrupt()
		triggered = ok
	}
	if !triggered {
		return false
	}

	s.doInterrupt()
	// Deliver the triggering transcript now that TTS-Interrupted has
	// already been emitted by doInterrupt.
	words := make([]gateway.Word, 0, len(te.Words))
	for _, w := range te.Words {
		words = append(words, gateway.Word{Word: w.Word, Start: w.Start.Seconds(), End: w.End.Seconds(), Confidence: w.Confidence, Speaker: w.Speaker})
	}
	s.out <- gateway.EncodeSTTResult(te.Transcript, te.IsFinal, te.IsFinal, te.Confidence, words, te.Language, te.Start.Seconds(), te.End.Seconds(), te.Channel)
	return true
}

// --- speak / tts ------------------------------------------------------

func (s *Session) handleSpeak(msg *gateway.SpeakMessage) {
	s.mu.Lock()
	if s.realtimeHandle != nil {
		s.mu.Unlock()
		s.emitError(gateway.ErrConfig, "speak is not supported while realtime mode is active", true)
		return
	}
	if s.ttsHandle == nil {
		s.mu.Unlock()
		s.emitError(gateway.ErrConfig, "no tts provider configured", true)
		return
	}
	busy := s.current != nil
	if busy {
		s.speakQueue = append(s.speakQueue, *msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatchSpeak(*msg)
}

func (s *Session) dispatchSpeak(msg gateway.SpeakMessage) {
	s.mu.Lock()
	ttsCfg := s.ttsConfig
	s.mu.Unlock()

	req := providers.SpeakRequest{
		Text:               msg.Text,
		Voice:              firstNonEmpty(msg.VoiceID, msg.Voice, ttsCfgVoice(ttsCfg)),
		Model:              firstNonEmpty(msg.Model, ttsCfgModel(ttsCfg)),
		SampleRate:         ttsCfgSampleRate(ttsCfg),
		Format:             ttsCfgFormat(ttsCfg),
		Speed:              msg.Speed,
		Pitch:              msg.Pitch,
		Emotion:            msg.Emotion,
		EmotionIntensity:   msg.EmotionIntensity,
		DeliveryStyle:      msg.DeliveryStyle,
		EmotionDescription: msg.EmotionDescription,
	}
	provider := ""
	if ttsCfg != nil {
		provider = ttsCfg.Provider
	}

	uc := &utterance{
		req:               req,
		allowInterruption: msg.AllowInterruptionOrDefault(),
		frames:            make(chan providers.AudioChunk, 16),
		done:              make(chan struct{}),
	}

	s.mu.Lock()
	s.current = uc
	s.lastTTSSeq = 0
	s.utteranceNum++
	s.mu.Unlock()

	s.setState(StateSpeaking)
	s.out <- gateway.EncodeLifecycle(gateway.OutSpeakingStarted)

	fp := cache.Fingerprint{
		Provider:   provider,
		Voice:      req.Voice,
		Model:      req.Model,
		SampleRate: req.SampleRate,
		Format:     req.Format,
		Text:       req.Text,
		Prosody:    fmt.Sprintf("%.3f|%.3f|%s|%.3f|%s", req.Speed, req.Pitch, req.Emotion, req.EmotionIntensity, req.DeliveryStyle),
	}

	go s.synthesize(uc, fp, req)
}

func (s *Session) synthesize(uc *utterance, fp cache.Fingerprint, req providers.SpeakRequest) {
	defer close(uc.done)

	var produced bool
	art, err := s.opt.Cache.GetOrCompute(fp, func() (cache.Artifact, error) {
		produced = true
		return s.synthesizeViaProvider(uc, req)
	})

	if err != nil {
		if !uc.interrupted.Load() {
			s.emitSynthesisError(err)
		}
		close(uc.frames)
		return
	}

	if !produced {
		s.streamArtifact(uc, art)
	}
	close(uc.frames)
}

// synthesizeViaProvider is the cache Producer for a genuine cache miss:
// it drives the session's TTSHandle, forwarding each chunk to uc.frames
// as it arrives (so the client hears audio as it's produced) while
// accumulating the full artifact for the cache.
func (s *Session) synthesizeViaProvider(uc *utterance, req providers.SpeakRequest) (cache.Artifact, error) {
	s.mu.Lock()
	h := s.ttsHandle
	s.mu.Unlock()
	if h == nil {
		return cache.Artifact{}, fmt.Errorf("tts handle not available")
	}
	if err := h.Speak(s.ctx, req); err != nil {
		return cache.Artifact{}, err
	}

	var buf bytes.Buffer
	var format string
	var sampleRate int
	firstByte := time.NewTimer(15 * time.Second)
	defer firstByte.Stop()
	gotFirst := false

	for {
		select {
		case chunk, ok := <-h.Frames():
			if !ok {
				return cache.Artifact{}, fmt.Errorf("tts stream closed before final frame")
			}
			if !gotFirst {
				gotFirst = true
				firstByte.Stop()
			}
			buf.Write(chunk.Data)
			format, sampleRate = chunk.Format, chunk.SampleRate
			select {
			case uc.frames <- chunk:
			case <-s.ctx.Done():
				return cache.Artifact{}, s.ctx.Err()
			}
			if chunk.IsFinal {
				return cache.Artifact{Data: buf.Bytes(), Format: format, SampleRate: sampleRate}, nil
			}
		case <-firstByte.C:
			if !gotFirst {
				s.emitError(gateway.ErrTTSStall, "tts first byte not received within budget", true)
			}
		case <-s.ctx.Done():
			return cache.Artifact{}, s.ctx.Err()
		}
	}
}

func (s *Session) streamArtifact(uc *utterance, art cache.Artifact) {
	chunkBytes := s.opt.ChunkBytes
	for off := 0; off < len(art.Data); off += chunkBytes {
		end := off + chunkBytes
		if end > len(art.Data) {
			end = len(art.Data)
		}
		chunk := providers.AudioChunk{
			Data:       art.Data[off:end],
			Format:     art.Format,
			SampleRate: art.SampleRate,
			IsFinal:    end == len(art.Data),
		}
		select {
		case uc.frames <- chunk:
		case <-s.ctx.Done():
			return
		}
		if uc.interrupted.Load() {
			return
		}
	}
	if len(art.Data) == 0 {
		select {
		case uc.frames <- providers.AudioChunk{Format: art.Format, SampleRate: art.SampleRate, IsFinal: true}:
		case <-s.ctx.Done():
		}
	}
}

// emitSynthesisError maps a synthesis failure onto the wire taxonomy:
// a classified permanent failure (auth, quota, protocol mismatch)
// closes the TTS handle and surfaces PROVIDER_PERMANENT with
// recoverable=false; everything else is PROVIDER_TRANSIENT and the
// handle stays alive for the next speak.
func (s *Session) emitSynthesisError(err error) {
	var perr *providers.ProviderError
	if errors.As(err, &perr) && perr.Kind.Permanent() {
		s.mu.Lock()
		h := s.ttsHandle
		s.ttsHandle = nil
		s.mu.Unlock()
		if h != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opt.DrainTimeout)
			_ = h.Close(ctx, s.opt.DrainTimeout)
			cancel()
		}
		s.emitError(gateway.ErrProviderPermanent, "tts synthesis failed: "+err.Error(), false)
		return
	}
	s.emitError(gateway.ErrProviderTransient, "tts synthesis failed: "+err.Error(), true)
}

func (s *Session) emitAudioChunk(ac providers.AudioChunk) {
	s.mu.Lock()
	s.lastTTSSeq++
	seq := s.lastTTSSeq
	ttsCfg := s.ttsConfig
	s.mu.Unlock()

	// Providers that can't synthesize at the negotiated rate get
	// resampled at the gateway boundary so the client always hears the
	// rate it asked for.
	if want := ttsCfgSampleRate(ttsCfg); ac.Format == "linear16" && ac.SampleRate != 0 && ac.SampleRate != want {
		ac.Data = audio.ResampleLinear16(ac.Data, ac.SampleRate, want)
		ac.SampleRate = want
	}

	audioB64 := base64.StdEncoding.EncodeToString(ac.Data)
	s.out <- gateway.EncodeTTSAudioJSON(audioB64, ac.Format, ac.SampleRate, 0, ac.IsFinal, seq)
}

func (s *Session) onUtteranceFinal() {
	s.out <- gateway.EncodeLifecycle(gateway.OutSpeakingFinished)
	s.out <- gateway.EncodeTTSPlaybackComplete(time.Now().UnixMilli())
}

func (s *Session) onUtteranceDone() {
	s.mu.Lock()
	s.current = nil
	var next *gateway.SpeakMessage
	if len(s.speakQueue) > 0 {
		m := s.speakQueue[0]
		s.speakQueue = s.speakQueue[1:]
		next = &m
	}
	s.mu.Unlock()

	if next != nil {
		s.dispatchSpeak(*next)
		return
	}

	if st := s.State(); st == StateSpeaking {
		if s.hasActiveListenTarget() {
			s.setState(StateListening)
		} else {
			s.setState(StateReady)
		}
	}
}

func (s *Session) hasAnyHandle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sttHandle != nil || s.ttsHandle != nil || s.realtimeHandle != nil
}

func (s *Session) hasActiveListenTarget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sttHandle != nil || s.realtimeHandle != nil
}

// --- clear / flush / interrupt ----------------------------------------

func (s *Session) handleClear() {
	s.mu.Lock()
	s.speakQueue = nil
	s.mu.Unlock()
	if s.State() == StateSpeaking {
		s.doInterrupt()
	}
}

func (s *Session) handleFlush() {
	s.mu.Lock()
	stt := s.sttHandle
	s.mu.Unlock()
	if stt != nil {
		if err := stt.Flush(); err != nil {
			s.log.Debug("stt flush error: %v", err)
		}
	}
}

func (s *Session) handleInterrupt() {
	if s.State() == StateSpeaking {
		s.doInterrupt()
	}
}

// doInterrupt implements the barge-in boundary contract: interrupt the
// TTS handle, emit TTS-Interrupted with the last delivered sequence
// number, transition to Listening, and mark the current utterance so
// any late frames are discarded.
func (s *Session) doInterrupt() {
	s.mu.Lock()
	uc := s.current
	th := s.ttsHandle
	lastSeq := s.lastTTSSeq
	strategy := s.interruptStrategy
	s.mu.Unlock()

	if uc != nil {
		uc.interrupted.Store(true)
	}
	if th != nil {
		_ = th.Interrupt()
	}
	if strategy != nil {
		_ = strategy.Reset()
	}

	s.out <- gateway.EncodeSessionUpdate("tts_interrupted", lastSeq, nil)

	if s.hasActiveListenTarget() {
		s.setState(StateListening)
	} else {
		s.setState(StateReady)
	}
}

// --- state / close ----------------------------------------------------

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("state %s -> %s", prev, st)
	}
}

func (s *Session) emitError(code gateway.ErrorCode, msg string, recoverable bool) {
	s.out <- gateway.EncodeError(gateway.NewGatewayError(code, msg, recoverable))
}

// closeWith begins the Closing->Closed drain. Safe to call more than
// once; only the first call has effect.
func (s *Session) closeWith(code gateway.CloseCode, reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeCode = code
	s.closeMsg = reason
	s.mu.Unlock()

	s.cancel()
	s.closeSTTHandle()
	s.closeRealtimeHandle()
	s.mu.Lock()
	h := s.ttsHandle
	s.ttsHandle = nil
	s.mu.Unlock()
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opt.DrainTimeout)
		_ = h.Close(ctx, s.opt.DrainTimeout)
		cancel()
	}
	s.transitionClosed()
}

func (s *Session) transitionClosed() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *Session) finish() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// --- small helpers ------------------------------------------------------

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func ttsCfgVoice(c *gateway.TTSConfig) string {
	if c == nil {
		return ""
	}
	return c.Voice
}
func ttsCfgModel(c *gateway.TTSConfig) string {
	if c == nil {
		return ""
	}
	return c.Model
}
func ttsCfgSampleRate(c *gateway.TTSConfig) int {
	if c == nil || c.SampleRate == 0 {
		return 24000
	}
	return c.SampleRate
}
func ttsCfgFormat(c *gateway.TTSConfig) string {
	if c == nil || c.Format == "" {
		return "linear16"
	}
	return c.Format
}
