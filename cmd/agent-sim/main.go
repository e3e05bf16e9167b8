package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"SpeakMateClient/internal/testserver"
)

func main() {
	config := testserver.DefaultServerConfig(":8000")

	flag.StringVar(&config.Addr, "addr", config.Addr, "监听地址")
	flag.IntVar(&config.AudioChunks, "audio-chunks", config.AudioChunks, "每次回复的语音片段数")
	flag.DurationVar(&config.ReplyDelay, "reply-delay", config.ReplyDelay, "回复消息之间的间隔")
	flag.IntVar(&config.UtteranceFrames, "utterance-frames", config.UtteranceFrames, "每多少个音频帧模拟一句话，0表示关闭")
	debug := flag.Bool("debug", false, "输出调试日志")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("创建日志器失败: %v", err)
	}
	defer logger.Sync()

	server := testserver.New(config, testserver.WithLogger(logger))
	if err := server.Start(); err != nil {
		log.Fatalf("启动模拟代理失败: %v", err)
	}

	fmt.Printf("✅ 模拟代理已启动: %s\n", server.URL())
	fmt.Printf("📊 统计信息: http://%s/stats\n", server.Addr())

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	fmt.Println("\n🔄 正在关闭模拟代理...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("关闭错误: %v", err)
	}
	fmt.Println("✅ 模拟代理已关闭")
}
