package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/apsara-ai/apsara/pkg/client/live"
)

// sessionProfile is the -f file shape; every field has a flag equivalent.
type sessionProfile struct {
	Model             string `yaml:"model" json:"model"`
	Modalities        string `yaml:"modalities" json:"modalities"`
	Voice             string `yaml:"voice" json:"voice"`
	SystemInstruction string `yaml:"systemInstruction" json:"systemInstruction"`
	MediaResolution   string `yaml:"mediaResolution" json:"mediaResolution"`

	SlidingWindowDisabled bool `yaml:"slidingWindowDisabled" json:"slidingWindowDisabled"`
	SlidingWindowTokens   int  `yaml:"slidingWindowTokens" json:"slidingWindowTokens"`
	TranscriptionDisabled bool `yaml:"transcriptionDisabled" json:"transcriptionDisabled"`

	DisableVAD            bool `yaml:"disableVad" json:"disableVad"`
	EnableAffectiveDialog bool `yaml:"enableAffectiveDialog" json:"enableAffectiveDialog"`
	ProactiveAudio        bool `yaml:"proactiveAudio" json:"proactiveAudio"`
	NativeAudio           bool `yaml:"nativeAudio" json:"nativeAudio"`
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Start a live session",
	Long: `Connect to the relay and hold a live session. Typed lines are sent as
text turns; assistant audio plays through ffplay. Type /quit to leave.

Examples:
  apsara-live connect --mic --voice Kore
  apsara-live connect --camera -f profile.yaml
  apsara-live connect --resume`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := buildOptions(cmd)
		if err != nil {
			return err
		}

		store, err := handleStore()
		if err != nil {
			return err
		}
		resume, _ := cmd.Flags().GetBool("resume")
		switch {
		case resume:
			handle, err := store.Consume()
			if err != nil {
				return err
			}
			if handle == "" {
				return fmt.Errorf("no stored session handle to resume")
			}
			opts.ResumeHandle = handle
		case opts.SavedSession == "" && opts.ResumeHandle == "":
			// Fresh session; a stale local handle must not linger.
			if err := store.Clear(); err != nil {
				slog.Warn("could not clear stored handle", "error", err)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runConnect(ctx, cmd, opts, store)
	},
}

func init() {
	connectCmd.Flags().String("model", "", "model to use")
	connectCmd.Flags().String("modalities", "", "response modalities (AUDIO or VIDEO)")
	connectCmd.Flags().String("voice", "", "voice name")
	connectCmd.Flags().String("system", "", "system instruction")
	connectCmd.Flags().String("saved-session", "", "server-side saved session id to resume")
	connectCmd.Flags().Bool("resume", false, "resume from the locally stored handle")
	connectCmd.Flags().Bool("mic", false, "stream microphone audio")
	connectCmd.Flags().Bool("camera", false, "share webcam frames")
	connectCmd.Flags().Bool("screen", false, "share screen frames")
	connectCmd.Flags().Bool("disable-vad", false, "disable automatic voice activity detection")
	connectCmd.Flags().Bool("native-audio", false, "request native audio output")
}

func buildOptions(cmd *cobra.Command) (live.Options, error) {
	opts := live.Options{URL: relayURL, AccessToken: accessToken}

	if profileFile != "" {
		var profile sessionProfile
		if err := loadProfile(profileFile, &profile); err != nil {
			return opts, err
		}
		opts.Model = profile.Model
		opts.Modalities = profile.Modalities
		opts.Voice = profile.Voice
		opts.SystemInstruction = profile.SystemInstruction
		opts.MediaResolution = profile.MediaResolution
		opts.SlidingWindowDisabled = profile.SlidingWindowDisabled
		opts.SlidingWindowTokens = profile.SlidingWindowTokens
		opts.TranscriptionDisabled = profile.TranscriptionDisabled
		opts.DisableVAD = profile.DisableVAD
		opts.EnableAffectiveDialog = profile.EnableAffectiveDialog
		opts.ProactiveAudio = profile.ProactiveAudio
		opts.NativeAudio = profile.NativeAudio
	}

	// Flags win over the profile.
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		opts.Model = v
	}
	if v, _ := cmd.Flags().GetString("modalities"); v != "" {
		opts.Modalities = v
	}
	if v, _ := cmd.Flags().GetString("voice"); v != "" {
		opts.Voice = v
	}
	if v, _ := cmd.Flags().GetString("system"); v != "" {
		opts.SystemInstruction = v
	}
	if v, _ := cmd.Flags().GetString("saved-session"); v != "" {
		opts.SavedSession = v
	}
	if v, _ := cmd.Flags().GetBool("disable-vad"); v {
		opts.DisableVAD = true
	}
	if v, _ := cmd.Flags().GetBool("native-audio"); v {
		opts.NativeAudio = true
	}
	return opts, nil
}

func loadProfile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse profile JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse profile YAML: %w", err)
		}
	}
	return nil
}

func handleStore() (*live.HandleStore, error) {
	path, err := live.DefaultHandlePath()
	if err != nil {
		return nil, err
	}
	return live.NewHandleStore(path), nil
}

func runConnect(ctx context.Context, cmd *cobra.Command, opts live.Options, store *live.HandleStore) error {
	sess, err := live.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	playback := live.NewPlayback(&live.FFplaySink{}, slog.Default())
	defer playback.Close()

	mic := &live.MicCapture{Send: sess.SendAudio, Logger: slog.Default()}
	if on, _ := cmd.Flags().GetBool("mic"); on {
		if err := mic.Start(); err != nil {
			return err
		}
	}
	defer mic.Stop()

	camera := &live.FrameLoop{
		Kind:   "video",
		Open:   frameOpener(live.CameraFrameArgs(runtime.GOOS)),
		Send:   sess.SendVideoChunk,
		Logger: slog.Default(),
	}
	if on, _ := cmd.Flags().GetBool("camera"); on {
		if err := camera.Start(ctx); err != nil {
			return err
		}
	}
	defer camera.Stop()

	screen := &live.FrameLoop{
		Kind:   "screen",
		Open:   frameOpener(live.ScreenFrameArgs(runtime.GOOS)),
		Send:   sess.SendScreenChunk,
		Logger: slog.Default(),
	}
	if on, _ := cmd.Flags().GetBool("screen"); on {
		if err := screen.Start(ctx); err != nil {
			return err
		}
	}
	defer screen.Stop()

	go readStdin(ctx, sess)

	ui := &eventPrinter{playback: playback, store: store}
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nleaving session")
			return nil
		case evt, ok := <-sess.Events():
			if !ok {
				return sess.Err()
			}
			if done := ui.handle(evt); done {
				return nil
			}
		}
	}
}

func frameOpener(args []string) func(context.Context) (live.FrameSource, error) {
	return func(context.Context) (live.FrameSource, error) {
		return &live.FFmpegFrameSource{Args: args}, nil
	}
}

// eventPrinter renders server events on the terminal. Transcript fragments
// accumulate across a turn and reset when the turn completes.
type eventPrinter struct {
	playback *live.Playback
	store    *live.HandleStore

	youLine       strings.Builder
	assistantLine strings.Builder
}

// handle reacts to one server event; the return says the session ended.
func (p *eventPrinter) handle(evt live.Event) bool {
	switch e := evt.(type) {
	case live.BackendConnectedEvent:
		slog.Debug("relay reached", "session", e.SessionID)
	case live.ConnectedEvent:
		if e.Resumed {
			fmt.Printf("session %s resumed\n", e.SessionID)
		} else {
			fmt.Printf("session %s ready\n", e.SessionID)
		}
	case live.TextDeltaEvent:
		fmt.Print(e.Text)
	case live.InputTranscriptEvent:
		p.youLine.WriteString(e.Text)
	case live.OutputTranscriptEvent:
		p.assistantLine.WriteString(e.Text)
	case live.TurnCompleteEvent:
		fmt.Println()
		p.flushTranscripts()
	case live.AudioChunkEvent:
		p.playback.Enqueue(e.Data)
	case live.InterruptedEvent:
		p.playback.Flush()
		p.flushTranscripts()
	case live.ToolCallEvent:
		fmt.Printf("[tools] calling %s\n", strings.Join(e.Names, ", "))
	case live.ToolCallResultEvent:
		slog.Debug("tool finished", "name", e.Name)
	case live.ToolCallErrorEvent:
		fmt.Printf("[tools] %s failed: %s\n", e.Name, e.Message)
	case live.MapDisplayEvent:
		fmt.Printf("[map] %s\n", string(e.Data))
	case live.ImageEvent:
		saveImage(e)
	case live.ResumptionEvent:
		if !e.Resumable {
			return false
		}
		if err := p.store.Save(e.NewHandle); err != nil {
			slog.Warn("could not store resumption handle", "error", err)
		}
	case live.GoAwayEvent:
		fmt.Printf("[relay] session ending in %s\n", e.TimeLeft)
	case live.UsageEvent:
		slog.Debug("usage", "input", e.Input, "output", e.Output, "total", e.Total)
	case live.ErrorEvent:
		fmt.Fprintf(os.Stderr, "[relay] error: %s\n", e.Message)
	case live.ClosedEvent:
		p.flushTranscripts()
		fmt.Printf("[relay] closed (%d): %s\n", e.Code, e.Reason)
		return true
	}
	return false
}

func (p *eventPrinter) flushTranscripts() {
	if p.youLine.Len() > 0 {
		fmt.Printf("[you] %s\n", p.youLine.String())
		p.youLine.Reset()
	}
	if p.assistantLine.Len() > 0 {
		fmt.Printf("[assistant] %s\n", p.assistantLine.String())
		p.assistantLine.Reset()
	}
}

func saveImage(e live.ImageEvent) {
	ext := ".png"
	if strings.Contains(e.MIMEType, "jpeg") {
		ext = ".jpg"
	}
	name := fmt.Sprintf("apsara-image-%d%s", time.Now().Unix(), ext)
	if err := os.WriteFile(name, e.Data, 0o644); err != nil {
		slog.Warn("could not save image", "error", err)
		return
	}
	fmt.Printf("[image] saved %s\n", name)
}

func readStdin(ctx context.Context, sess *live.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			_ = sess.Close()
			return
		}
		if err := sess.SendText(line); err != nil {
			slog.Warn("could not send text", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
