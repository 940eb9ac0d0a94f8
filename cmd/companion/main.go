package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/lyolabs/companion/pkg/capture"
	"github.com/lyolabs/companion/pkg/channel"
	"github.com/lyolabs/companion/pkg/companion"
	"github.com/lyolabs/companion/pkg/configutil"
	"github.com/lyolabs/companion/pkg/conversation"
	"github.com/lyolabs/companion/pkg/logging"
	"github.com/lyolabs/companion/pkg/metrics"
	"github.com/lyolabs/companion/pkg/observers"
	"github.com/lyolabs/companion/pkg/providers/deepgram"
	"github.com/lyolabs/companion/pkg/providers/mock"
	"github.com/lyolabs/companion/pkg/recognize"
	"github.com/lyolabs/companion/pkg/runner"
	"github.com/lyolabs/companion/pkg/transcript"
	"github.com/lyolabs/companion/pkg/wake"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type mockSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
}

// consoleListener renders coordinator callbacks on the terminal.
type consoleListener struct {
	companion.NoopListener
}

func (consoleListener) OnMessageAppended(m conversation.Message) {
	switch m.Sender {
	case conversation.SenderUser:
		fmt.Printf("you> %s\n", m.Content)
	default:
		fmt.Printf("lyo> %s\n", m.Content)
	}
}

func (consoleListener) OnActivation(act wake.Activation) {
	fmt.Printf("[wake] %s\n", act.Phrase)
}

func (consoleListener) OnSystemStatusChanged(s companion.SystemStatus) {
	if s.Reason != "" {
		fmt.Printf("[status] %s (%s)\n", s.Level, s.Reason)
		return
	}
	fmt.Printf("[status] %s\n", s.Level)
}

func (consoleListener) OnConnectionQualityChanged(q companion.ConnectionQuality) {
	slog.Debug("connection quality changed", slog.String("quality", string(q)))
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

func buildRecognizerFactory(cfg companion.Config, sessionID string) (recognize.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Recognizer.Provider)) {
	case "deepgram":
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		if settings.APIKey == "" {
			return nil, fmt.Errorf("deepgram settings: api_key is required")
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		utteranceEndMS := configutil.IntValue(settings.UtteranceEndMS, 1000)
		return func() recognize.Recognizer {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				SampleRate:     cfg.Capture.SampleRate,
				Encoding:       settings.Encoding,
				Interim:        interim,
				VADEvents:      vadEvents,
				UtteranceEndMS: utteranceEndMS,
				SessionID:      sessionID,
			})
		}, nil
	case "mock":
		var settings mockSettings
		if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
			return nil, fmt.Errorf("mock settings: %w", err)
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, true)
		return func() recognize.Recognizer {
			return mock.New(mock.Config{
				SessionID:         sessionID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				EmitInterim:       emitInterim,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown recognizer provider %q", cfg.Recognizer.Provider)
	}
}

func readCommands(ctx context.Context, coord *companion.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/clear":
			coord.ClearConversation()
		case line == "/pause":
			coord.PauseListening()
		case line == "/resume":
			coord.ResumeListening()
		case strings.HasPrefix(line, "/screen "):
			coord.SetScreen(strings.TrimPrefix(line, "/screen "))
		default:
			if err := coord.SendUserMessage(line); err != nil {
				fmt.Printf("[offline] message kept locally: %v\n", err)
			}
		}
	}
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := companion.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	async := metrics.NewAsyncObserver(observers.NewLoggerObserver(logger), 256)
	defer async.Close()

	sessionID := uuid.NewString()

	factory, err := buildRecognizerFactory(cfg, sessionID)
	if err != nil {
		fmt.Println("recognizer error:", err)
		os.Exit(1)
	}

	stream := capture.NewStream(capture.NewMalgoDevice(), capture.Config{
		SessionID:  sessionID,
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
		PeriodMS:   cfg.Capture.PeriodMS,
		Buffer:     cfg.Capture.Buffer,
	}, async)

	streamer := transcript.NewStreamer(factory, stream.Frames(), transcript.Config{
		SessionID: sessionID,
	}, async)

	detector := wake.NewDetector(cfg.Wake.Phrases,
		time.Duration(cfg.Wake.DebounceMS)*time.Millisecond)

	ch := channel.New(channel.Config{
		URL:               cfg.Backend.URL,
		UserID:            cfg.Backend.UserID,
		Token:             cfg.Backend.Token,
		DialTimeout:       time.Duration(cfg.Backend.DialTimeoutMS) * time.Millisecond,
		PingInterval:      time.Duration(cfg.Backend.PingIntervalMS) * time.Millisecond,
		BackoffInitial:    time.Duration(cfg.Backend.Reconnect.InitialMS) * time.Millisecond,
		BackoffMultiplier: cfg.Backend.Reconnect.Multiplier,
		BackoffMax:        time.Duration(cfg.Backend.Reconnect.MaxMS) * time.Millisecond,
		MaxAttempts:       cfg.Backend.Reconnect.MaxAttempts,
		SendBuffer:        cfg.Backend.SendBuffer,
	}, async)

	coord := companion.New(companion.Deps{
		Config:      cfg,
		Capture:     stream,
		Transcripts: streamer,
		Detector:    detector,
		Channel:     ch,
		Log:         conversation.NewLog(cfg.Conversation.WelcomeText, cfg.Conversation.MaxMessages),
		Listener:    consoleListener{},
		Observer:    async,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readCommands(ctx, coord)

	lifecycle := runner.NewLifecycleRunner(
		drainFunc(coord.Stop),
		runner.Hooks{
			OnStart: func() {
				if err := coord.Start(ctx); err != nil {
					logger.Error("startup failed", slog.String("error", err.Error()))
					stop()
				}
			},
			OnStop: func() {
				logger.Info("companion stopped")
			},
		},
		10*time.Second,
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
