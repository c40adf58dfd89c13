// Command gateway is the voice AI gateway process entrypoint. It wires
// the provider registry, TTS cache, REST handlers, and the WebSocket
// connection shell together and serves them on one net/http.Server:
// env-based key loading, a single signal-driven graceful shutdown, and
// status lines printed to stdout on startup.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/square-key-labs/waav/src/cache"
	"github.com/square-key-labs/waav/src/config"
	"github.com/square-key-labs/waav/src/interruptions"
	"github.com/square-key-labs/waav/src/logger"
	"github.com/square-key-labs/waav/src/providers"
	"github.com/square-key-labs/waav/src/providers/adapters/cartesia"
	"github.com/square-key-labs/waav/src/providers/adapters/deepgram"
	"github.com/square-key-labs/waav/src/providers/adapters/elevenlabs"
	"github.com/square-key-labs/waav/src/providers/adapters/google"
	"github.com/square-key-labs/waav/src/providers/adapters/groq"
	"github.com/square-key-labs/waav/src/providers/adapters/openai"
	"github.com/square-key-labs/waav/src/providers/adapters/stub"
	"github.com/square-key-labs/waav/src/providers/registry"
	"github.com/square-key-labs/waav/src/restapi"
	"github.com/square-key-labs/waav/src/session"
	"github.com/square-key-labs/waav/src/transports"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("main")

	yamlPath := os.Getenv("GATEWAY_CONFIG_FILE")
	if yamlPath == "" {
		yamlPath = "config.yaml"
	}
	cfg, err := config.Load(yamlPath)
	if err != nil {
		log.Error("config load failed: %v", err)
		os.Exit(1)
	}

	reg := buildRegistry()
	reg.Freeze()
	defer reg.Shutdown()

	ttsCache := cache.New(cfg.Cache.CapacityBytes, cfg.Cache.TTL)

	mux := http.NewServeMux()
	restapi.NewServer(reg, ttsCache, cfg.Credentials).Register(mux)
	mux.HandleFunc("/ws", wsHandler(reg, ttsCache, cfg))

	server := &http.Server{
		Addr:    cfg.Server.Bind,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Info("gateway listening on %s", cfg.Server.Bind)
		var serveErr error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			serveErr = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error("server error: %v", serveErr)
		}
		cancel()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown error: %v", err)
	}
}

// buildRegistry registers every provider adapter this gateway ships
// with. Real adapters are registered first; providers without a
// concrete implementation yet (OpenAI-Realtime, Hume-EVI, Azure
// STT/TTS, AWS, IBM) are registered via the stub package so the
// registry still recognizes their ids and reports a diagnosable CONFIG
// error instead of "unknown provider".
func buildRegistry() *registry.Registry {
	reg := registry.New()

	reg.Register(deepgram.Descriptor(), deepgram.Open)
	reg.Register(elevenlabs.Descriptor(), elevenlabs.Open)
	reg.Register(cartesia.Descriptor(), cartesia.Open)
	reg.Register(google.Descriptor(), google.Open)
	reg.Register(openai.STTDescriptor(), openai.OpenSTT)
	reg.Register(openai.TTSDescriptor(), openai.OpenTTS)
	reg.Register(groq.Descriptor(), groq.Open)

	reg.Register(stub.Descriptor("openai-realtime", "OpenAI Realtime", providers.CategoryRealtime), stub.Open("openai-realtime"))
	reg.Register(stub.Descriptor("hume-evi", "Hume EVI", providers.CategoryRealtime), stub.Open("hume-evi"))
	reg.Register(stub.Descriptor("azure-stt", "Azure Speech STT", providers.CategorySTT), stub.Open("azure-stt"))
	reg.Register(stub.Descriptor("azure-tts", "Azure Speech TTS", providers.CategoryTTS), stub.Open("azure-tts"))
	reg.Register(stub.Descriptor("aws", "AWS Transcribe/Polly", providers.CategorySTT), stub.Open("aws"))
	reg.Register(stub.Descriptor("ibm", "IBM Watson Speech", providers.CategorySTT), stub.Open("ibm"))

	return reg
}

// wsHandler upgrades /ws requests and drives one session per
// connection to completion.
func wsHandler(reg *registry.Registry, ttsCache *cache.Cache, cfg *config.Config) http.HandlerFunc {
	log := logger.WithPrefix("ws-handler")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := transports.GatewayUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed: %v", err)
			return
		}

		sess := session.New("", session.Options{
			Registry:    reg,
			Cache:       ttsCache,
			Credentials: cfg.Credentials,
			NewInterruptionStrategy: func() interruptions.InterruptionStrategy {
				return interruptions.NewMinWordsInterruptionStrategy(3)
			},
		})

		connOpts := transports.ConnectionOptions{
			ControlMessageRate:  rate.Limit(cfg.RateLimit.ControlMessagesPerSecond),
			ControlMessageBurst: cfg.RateLimit.ControlMessageBurst,
		}
		gwConn := transports.NewGatewayConnection(conn, sess, connOpts)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go sess.Run(ctx)
		gwConn.Serve(ctx)
	}
}
