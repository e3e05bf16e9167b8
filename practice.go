package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/config"
	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/wsclient"
)

var errQuit = errors.New("quit")

type practiceFlags struct {
	url    string
	level  string
	topic  string
	user   string
	voice  string
	device string
}

func newPracticeCmd(root *rootOptions) *cobra.Command {
	flags := &practiceFlags{}

	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Start a voice practice session",
		Long: `Connects to the practice agent and prints transcripts, feedback and progress.

Commands read from stdin:
  /mic         toggle microphone capture
  /status      print the current session snapshot
  /connect     start a new session after a disconnect or error
  /disconnect  end the session
  /quit        disconnect and exit
Any other line is sent to the agent as text.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPractice(cmd, root, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.url, "url", "", "agent websocket url (overrides server.url)")
	f.StringVar(&flags.level, "level", "", "beginner, intermediate or advanced")
	f.StringVar(&flags.topic, "topic", "", "free_talk, daily_life, business, travel or academic")
	f.StringVar(&flags.user, "user", "", "user id sent with init")
	f.StringVar(&flags.voice, "voice", "", "agent voice id")
	f.StringVar(&flags.device, "device", "", fmt.Sprintf("audio device %v", audio.DeviceNames()))
	return cmd
}

// apply 命令行参数覆盖配置文件
func (p *practiceFlags) apply(cfg *config.Config) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.URL, p.url)
	override(&cfg.Session.Level, p.level)
	override(&cfg.Session.Topic, p.topic)
	override(&cfg.Session.UserID, p.user)
	override(&cfg.Session.VoiceID, p.voice)
	override(&cfg.Audio.Device, p.device)
}

func runPractice(cmd *cobra.Command, root *rootOptions, flags *practiceFlags) error {
	manager := config.NewManager(config.WithConfigPath(root.configPath))
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, level, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	manager.SetLogger(log.Named("config"))
	manager.Subscribe(func(old, new *config.Config) {
		if old.Log.Level == new.Log.Level {
			return
		}
		if err := logger.SetLevel(level, new.Log.Level); err != nil {
			log.Warn("ignoring log level change", zap.Error(err))
			return
		}
		log.Info("log level changed", zap.String("from", old.Log.Level), zap.String("to", new.Log.Level))
	})
	manager.Watch()

	devices, err := audio.OpenDevices(cfg.Audio.Device, log.Named("audio"))
	if err != nil {
		return err
	}
	defer devices.Close()

	out := cmd.OutOrStdout()
	collector := metrics.New()
	opts := []session.Option{
		session.WithLogger(log),
		session.WithMetrics(collector),
		session.WithObserver(newConsoleObserver(out)),
	}
	if cfg.Recorder.OutputDir != "" {
		opts = append(opts, session.WithObserver(session.NewRecorder(cfg.Recorder.OutputDir, nil, log.Named("recorder"))))
	}

	transport := wsclient.NewWebSocketTransport(cfg.TransportConfig(), log.Named("transport"))
	ctrl := session.New(cfg.ControllerConfig(), session.Dependencies{
		Transport: transport,
		Capture:   devices.Capture,
		Output:    devices.Output,
	}, opts...)
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := newStatusServer(cfg.Metrics.Addr, collector, ctrl)
		g.Go(func() error {
			log.Info("status server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	params := cfg.SessionParams()
	fmt.Fprintf(out, "connecting to %s (level=%s topic=%s)\n", cfg.Server.URL, params.Level, params.Topic)
	ctrl.Connect(params)

	lines := scanLines(cmd.InOrStdin())
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleCommand(ctrl, params, line, out); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	ctrl.Disconnect()
	return nil
}

// commandTarget 交互命令需要的控制器能力
type commandTarget interface {
	Connect(params session.Params)
	Disconnect()
	StartCapture()
	StopCapture()
	SendText(text string)
	Snapshot() session.Snapshot
}

// handleCommand 执行一行输入，返回 errQuit 表示退出
func handleCommand(ctrl commandTarget, params session.Params, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/mic":
		if ctrl.Snapshot().Capturing {
			ctrl.StopCapture()
			fmt.Fprintln(out, "microphone off")
		} else {
			ctrl.StartCapture()
			fmt.Fprintln(out, "microphone on")
		}
	case "/status":
		printStatus(out, ctrl.Snapshot())
	case "/connect":
		ctrl.Connect(params)
	case "/disconnect":
		ctrl.Disconnect()
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(out, "unknown command %s\n", line)
			return nil
		}
		ctrl.SendText(line)
	}
	return nil
}

func printStatus(out io.Writer, snap session.Snapshot) {
	fmt.Fprintf(out, "state: %s\n", snap.State)
	if snap.Session != nil {
		fmt.Fprintf(out, "session: %s (level=%s topic=%s)\n", snap.Session.ID, snap.Session.Level, snap.Session.Topic)
	}
	fmt.Fprintf(out, "capturing: %t  retries: %d  pending timers: %d\n", snap.Capturing, snap.RetryAttempts, snap.PendingTimers)
	fmt.Fprintf(out, "frames: sent=%d dropped_not_listening=%d dropped_backpressure=%d\n",
		snap.Framer.Sent, snap.Framer.DroppedNotListening, snap.Framer.DroppedBackpressure)
	if snap.Progress != nil {
		fmt.Fprintf(out, "progress: turns=%d avg_confidence=%d grammar_mistakes=%d\n",
			snap.Progress.TurnsCount, snap.Progress.AvgConfidence, snap.Progress.GrammarMistakes)
	}
	if snap.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", snap.LastError)
	}
}

// scanLines 在独立协程读取输入，读到EOF时关闭通道
func scanLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// newStatusServer 暴露 /metrics 和 /status
func newStatusServer(addr string, collector *metrics.Collector, ctrl *session.Controller) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ctrl.Snapshot())
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
