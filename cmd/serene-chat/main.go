package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	serene "github.com/serenehq/serene-go/sdk"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 90 * time.Second
	defaultVoice   = "alloy"
)

type chatConfig struct {
	BaseURL  string
	APIKey   string
	Name     string
	Language string
	Voice    string
	Timeout  time.Duration
	Audio    bool
	Autoplay bool
	Verbose  bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("serene-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	envBaseURL := strings.TrimSpace(getenv("SERENE_BASE_URL"))
	if envBaseURL == "" {
		envBaseURL = defaultBaseURL
	}

	fs.StringVar(&cfg.BaseURL, "base-url", envBaseURL, "support service base URL (or SERENE_BASE_URL)")
	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("SERENE_API_KEY")), "optional api key (or SERENE_API_KEY)")
	fs.StringVar(&cfg.Name, "name", "friend", "display name for the session profile")
	fs.StringVar(&cfg.Language, "language", "en", "session language")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "agent reply voice")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-message timeout (e.g. 90s)")
	fs.BoolVar(&cfg.Audio, "audio", false, "enable microphone recording and agent audio playback")
	fs.BoolVar(&cfg.Autoplay, "autoplay", true, "play agent audio as it arrives")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return errors.New("base-url must not be empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	if parsed.User != nil {
		return errors.New("base-url must not include credentials")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("name must not be empty")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func buildClientOptions(cfg chatConfig, logger *slog.Logger) []serene.ClientOption {
	opts := []serene.ClientOption{
		serene.WithBaseURL(cfg.BaseURL),
		serene.WithLogger(logger),
	}
	if cfg.APIKey != "" {
		opts = append(opts, serene.WithAPIKey(cfg.APIKey))
	}
	return opts
}

func printMessage(out io.Writer, msg *serene.Message) {
	if msg == nil {
		return
	}
	label := "agent"
	if msg.Sender == serene.SenderUser {
		label = "you"
	}
	if msg.Emotion != nil {
		fmt.Fprintf(out, "[%s | %s] %s\n", label, msg.Emotion.Label, msg.Text)
		return
	}
	fmt.Fprintf(out, "[%s] %s\n", label, msg.Text)
}

func runChat(ctx context.Context, cfg chatConfig, in io.Reader, out io.Writer, errOut io.Writer) error {
	if err := validateChatConfig(cfg); err != nil {
		return err
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	logger := newLogger(cfg.Verbose)
	client := serene.NewClient(buildClientOptions(cfg, logger)...)

	speechOpts, cleanup, err := buildSpeechOptions(cfg, client)
	if err != nil {
		return err
	}
	defer cleanup()
	speech := client.NewSpeechPipeline(speechOpts...)

	conv := client.NewConversation()
	defer conv.Close()

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	session, err := conv.Initialize(initCtx, serene.Profile{Name: cfg.Name, Language: cfg.Language})
	cancel()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	unsubscribeAlert := conv.OnAlert(func(msg serene.Message) {
		fmt.Fprintln(errOut, "!! This conversation may need immediate human support.")
		fmt.Fprintf(errOut, "!! %s\n", msg.Text)
	})
	defer unsubscribeAlert()

	unsubscribeState := conv.Realtime().OnConnectionChange(func(state serene.ConnState) {
		logger.Debug("push channel state", "state", state)
	})
	defer unsubscribeState()

	unsubscribeTyping := conv.Realtime().OnMessage(serene.TypeTypingStatus, func(envelope serene.Envelope) {
		var status serene.TypingStatusPayload
		if err := envelope.Decode(&status); err != nil {
			return
		}
		if status.IsTyping {
			fmt.Fprintln(out, "... agent is typing")
		}
	})
	defer unsubscribeTyping()

	send := func(text string) {
		conv.SendTyping(false)
		msgCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		reply, err := conv.Send(msgCtx, text, serene.SendOptions{
			IncludeAudio:   cfg.Audio,
			PreferredVoice: cfg.Voice,
		})
		cancel()
		if err != nil {
			var sendErr *serene.SendError
			if errors.As(err, &sendErr) {
				fmt.Fprintf(errOut, "send failed, message not delivered: %v\n", sendErr.Err)
				return
			}
			fmt.Fprintf(errOut, "send error: %v\n", err)
			return
		}
		printMessage(out, reply)
		if reply != nil && reply.AudioURL != "" {
			speech.Playback.Enqueue(reply.AudioURL)
		}
	}

	unsubscribeTranscript := speech.OnTranscript(func(result serene.TranscriptResult) {
		if result.Err != nil {
			fmt.Fprintf(errOut, "voice input failed: %s\n", result.Err.Message())
			return
		}
		if result.Source != serene.SourceRecording {
			return
		}
		text := strings.TrimSpace(result.Text)
		if text == "" {
			return
		}
		fmt.Fprintf(out, "[voice] %s\n", text)
		send(text)
	})
	defer unsubscribeTranscript()

	fmt.Fprintf(out, "Connected to %s (session %s)\n", cfg.BaseURL, session.ID)
	if speech.Recorder.Supported() {
		fmt.Fprintln(out, "Voice input enabled. Use /record to start and stop recording.")
	}
	fmt.Fprintln(out, "Type /exit or /quit to stop. /analytics shows session analytics, /reset starts over.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/exit", "/quit":
			fmt.Fprintln(out, "Take care.")
			return nil
		}

		if handled := handleSlashCommand(ctx, line, cfg, conv, speech, out, errOut); handled {
			continue
		}

		conv.SendTyping(true)
		send(line)
	}
}

func handleSlashCommand(ctx context.Context, line string, cfg chatConfig, conv *serene.Conversation, speech *serene.Speech, out, errOut io.Writer) bool {
	switch line {
	case "/analytics":
		analyticsCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		analytics, err := conv.FetchAnalytics(analyticsCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(errOut, "analytics error: %v\n", err)
			return true
		}
		fmt.Fprintf(out, "engagement %.2f, mood %s, %d messages\n",
			analytics.EngagementScore, analytics.MoodTrend, analytics.MessageCount)
		return true

	case "/record":
		switch speech.Recorder.State() {
		case serene.RecordingActive:
			if err := speech.Recorder.Stop(); err != nil {
				fmt.Fprintf(errOut, "recording error: %v\n", err)
				return true
			}
			fmt.Fprintln(out, "Recording stopped, transcribing...")
		default:
			if err := speech.Recorder.Start(conv.SessionID()); err != nil {
				fmt.Fprintf(errOut, "recording error: %v\n", err)
				return true
			}
			fmt.Fprintln(out, "Recording... use /record again to stop.")
		}
		return true

	case "/stopaudio":
		speech.Playback.Stop()
		return true

	case "/reset":
		resetCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		session, err := conv.Reset(resetCtx, serene.Profile{Name: cfg.Name, Language: cfg.Language})
		cancel()
		if err != nil {
			fmt.Fprintf(errOut, "reset error: %v\n", err)
			return true
		}
		fmt.Fprintf(out, "New session %s\n", session.ID)
		return true

	default:
		return false
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serene-chat: %v\n", err)
		os.Exit(1)
	}

	if err := runChat(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "serene-chat: %v\n", err)
		os.Exit(1)
	}
}
