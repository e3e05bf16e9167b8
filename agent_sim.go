package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/testserver"
)

func newAgentSimCmd() *cobra.Command {
	cfg := testserver.DefaultServerConfig(":8000")
	var logLevel string

	cmd := &cobra.Command{
		Use:   "agent-sim",
		Short: "Run the simulated practice agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _, err := logger.New(logLevel, "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgentSim(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.IntVar(&cfg.AudioChunks, "audio-chunks", cfg.AudioChunks, "audio chunks per reply")
	f.DurationVar(&cfg.ChunkDuration, "chunk-duration", cfg.ChunkDuration, "duration of each audio chunk")
	f.DurationVar(&cfg.ReplyDelay, "reply-delay", cfg.ReplyDelay, "delay between reply messages")
	f.IntVar(&cfg.UtteranceFrames, "utterance-frames", cfg.UtteranceFrames, "binary frames per simulated utterance (0 disables)")
	f.StringVar(&cfg.SpokenText, "spoken-text", cfg.SpokenText, "transcript for simulated utterances")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

// runAgentSim 启动模拟代理直到ctx取消
func runAgentSim(ctx context.Context, cfg *testserver.ServerConfig, log *zap.Logger) error {
	server := testserver.New(cfg, testserver.WithLogger(log))
	if err := server.Start(); err != nil {
		return err
	}

	fmt.Printf("practice agent listening on %s\n", server.URL())
	fmt.Printf("stats:   http://%s/stats\n", server.Addr())
	fmt.Printf("control: POST http://%s/control?action=disconnect_all\n", server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown agent: %w", err)
	}
	log.Info("practice agent stopped")
	return nil
}
