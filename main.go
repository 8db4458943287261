//go:build !android
// +build !android

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/keshucs12345/voice-receptionist/internal/appointments"
	"github.com/keshucs12345/voice-receptionist/internal/audio"
	"github.com/keshucs12345/voice-receptionist/internal/calllog"
	"github.com/keshucs12345/voice-receptionist/internal/config"
	"github.com/keshucs12345/voice-receptionist/internal/conversation"
	"github.com/keshucs12345/voice-receptionist/internal/exchange"
	"github.com/keshucs12345/voice-receptionist/internal/llm"
	"github.com/keshucs12345/voice-receptionist/internal/presentation"
	"github.com/keshucs12345/voice-receptionist/internal/protocol"
	"github.com/keshucs12345/voice-receptionist/internal/signals"
	"github.com/keshucs12345/voice-receptionist/internal/speaker"
	"github.com/keshucs12345/voice-receptionist/internal/stt"
	"github.com/keshucs12345/voice-receptionist/internal/telemetry"
	"github.com/keshucs12345/voice-receptionist/internal/tts"
)

var logger = telemetry.Logger("github.com/keshucs12345/voice-receptionist")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		logger.Error("receptionist stopped", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, _, err := config.Load(args)
	if err != nil {
		return err
	}
	telemetry.SetLevel(cfg.LogLevel)
	if err := cfg.RequireKeys(); err != nil {
		return err
	}

	// Initialize PortAudio (audio I/O)
	if err := audio.Init(); err != nil {
		return err
	}
	defer audio.Shutdown()

	var micOpts []audio.MicOption
	if cfg.RecordPath != "" {
		f, err := os.Create(cfg.RecordPath)
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		defer f.Close()
		micOpts = append(micOpts, audio.WithTap(f))
	}
	mic, err := audio.OpenMic(micOpts...)
	if err != nil {
		return err
	}
	defer mic.Close()
	out := audio.NewSpeaker()
	defer out.Close()

	callID := uuid.NewString()
	flags := signals.NewSet()
	commands := protocol.NewQueue[protocol.Command](16)
	statuses := protocol.NewQueue[protocol.Status](16)

	// Services
	transcriber := stt.New(stt.Config{
		APIKey:     cfg.DeepgramAPIKey,
		Model:      cfg.STTModel,
		Language:   cfg.Language,
		SampleRate: cfg.SampleRate,
	})
	synth, err := tts.New(tts.Config{
		APIKey:     cfg.DeepgramAPIKey,
		Voice:      cfg.Voice,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		return err
	}
	llmCfg := llm.Config{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.OpenAIBaseURL,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	store := appointments.NewStore(cfg.DataDir)
	tools := appointments.NewTools(store)
	engine := exchange.New(llm.NewOpenAI(llmCfg, tools.Specs()), tools,
		exchange.WithMaxRounds(cfg.MaxRounds),
		exchange.WithTimeout(cfg.LLMTimeout),
	)

	hub := presentation.NewHub(flags.Start)
	worker := speaker.New(synth, out, flags, commands, statuses,
		speaker.WithGreeting(llm.Greeting),
		speaker.WithSink(hub),
	)
	orch := conversation.New(conversation.Config{
		Silence:        cfg.Silence,
		EndTimeout:     cfg.EndTimeout,
		GoodbyeTimeout: cfg.GoodbyeTimeout,
		ReadyTimeout:   cfg.ReadyTimeout,
		Greeting:       llm.Greeting,
	}, conversation.Deps{
		Audio:      mic,
		STT:        transcriber,
		Engine:     engine,
		History:    exchange.NewHistory(llm.SystemPrompt(cfg.AgentName, time.Now())),
		Log:        calllog.New(callID, filepath.Join(cfg.DataDir, "calls", callID)),
		Summarizer: llm.NewSummarizer(llmCfg),
		Store:      store,
		Flags:      flags,
		Commands:   commands,
		Statuses:   statuses,
		Sink:       hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := presentation.Serve(ctx, presentation.NewServer(hub), cfg.Addr); err != nil {
			logger.Error("presentation server stopped", "error", err)
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// Handle Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("interrupt received, ending call")
			flags.Shutdown()
			if err := commands.TrySend(protocol.Terminate()); err != nil {
				logger.Warn("terminate not delivered", "error", err)
			}
		case <-ctx.Done():
		}
	}()

	if cfg.AutoStart {
		flags.Start.Set()
	} else {
		logger.Info("open the call page and press start", "addr", cfg.Addr, "call_id", callID)
	}

	runErr := orch.Run(ctx)

	select {
	case <-workerDone:
	case <-time.After(cfg.GoodbyeTimeout):
		logger.Warn("speech worker did not exit in time")
	}
	cancel()
	wg.Wait()
	logger.Info("shutdown complete", "call_id", callID)
	return runErr
}
