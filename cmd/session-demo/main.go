package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/testserver"
	"SpeakMateClient/internal/wsclient"
)

var turns = []string{
	"Hello, I want to practice for my trip",
	"I goes to the airport tomorrow morning",
	"My sister go with me and she don't like flying",
}

func main() {
	fmt.Println("🎯 口语练习会话录制演示")
	fmt.Println("==================================")
	fmt.Println()

	// 1. 启动模拟代理
	fmt.Println("🚀 启动模拟代理...")
	agentConfig := testserver.DefaultServerConfig("127.0.0.1:18090")
	agentConfig.ReplyDelay = 20 * time.Millisecond
	agent := testserver.New(agentConfig)
	if err := agent.Start(); err != nil {
		log.Fatalf("启动模拟代理失败: %v", err)
	}
	defer agent.Shutdown(context.Background())
	fmt.Printf("✅ 模拟代理已启动: %s\n", agent.URL())

	// 2. 创建会话录制器和控制器
	fmt.Println("\n📹 创建会话录制器...")
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	recorder := session.NewRecorder("", nil, logger.Named("recorder"))

	cfg := session.DefaultConfig(agent.URL())
	cfg.Client.ReconnectInterval = 200 * time.Millisecond
	ctrl := session.New(cfg, session.Dependencies{
		Transport: wsclient.NewWebSocketTransport(wsclient.DefaultTransportConfig(), logger.Named("transport")),
	},
		session.WithLogger(logger),
		session.WithObserver(recorder))
	defer ctrl.Close()

	// 3. 建立会话
	fmt.Println("\n🔗 建立练习会话...")
	ctrl.Connect(session.Params{Level: session.LevelBeginner, Topic: session.TopicTravel})
	if !waitFor(5*time.Second, func() bool { return ctrl.State() == session.StateReady }) {
		log.Fatalf("会话未就绪: %s", ctrl.Snapshot().LastError)
	}
	fmt.Printf("✅ 会话已开始: %s\n", ctrl.Snapshot().Session.ID)

	// 4. 文本对话
	fmt.Println("\n📤 发送练习句子...")
	for i, text := range turns {
		ctrl.SendText(text)
		waitFor(5*time.Second, func() bool {
			p := ctrl.Snapshot().Progress
			return p != nil && p.TurnsCount == i+1
		})
		snap := ctrl.Snapshot()
		fb := snap.Feedback[len(snap.Feedback)-1]
		fmt.Printf("   🗣  %s\n", text)
		fmt.Printf("   💬 %s\n", fb.Text)
		for _, g := range fb.GrammarCorrections {
			fmt.Printf("      ✏️  %q -> %q\n", g.Original, g.Corrected)
		}
	}

	// 5. 模拟网络中断
	fmt.Println("\n🌐 模拟网络中断...")
	agent.ForceDisconnectAll()
	waitFor(time.Second, func() bool { return ctrl.State() != session.StateReady })
	if waitFor(5*time.Second, func() bool { return ctrl.State() == session.StateReady }) {
		fmt.Printf("✅ 已重连，新会话: %s\n", ctrl.Snapshot().Session.ID)
	} else {
		fmt.Printf("❌ 重连失败: %s\n", ctrl.Snapshot().LastError)
	}

	// 6. 结束会话
	ctrl.Disconnect()

	recordings := recorder.Recordings()
	if len(recordings) == 0 {
		log.Fatalf("没有录制到会话")
	}
	rec := recordings[len(recordings)-1]
	fmt.Println("\n📋 录制结果:")
	fmt.Printf("   事件数: %d\n", rec.Stats.TotalEvents)
	fmt.Printf("   会话ID: %v\n", rec.SessionIDs)
	fmt.Printf("   最终识别: %d\n", rec.Stats.FinalTranscripts)
	fmt.Printf("   反馈: %d\n", rec.Stats.FeedbackCount)
	fmt.Printf("   语法错误: %d\n", rec.Stats.GrammarMistakes)
	fmt.Printf("   重连: %d\n", rec.Stats.ReconnectCount)

	// 7. 导出会话数据
	fmt.Println("\n💾 导出会话数据...")
	data, err := recorder.ExportJSON()
	if err != nil {
		log.Fatalf("导出失败: %v", err)
	}
	filename := fmt.Sprintf("recording_%s.json", rec.ID)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		log.Fatalf("保存文件失败: %v", err)
	}
	fmt.Printf("✅ 会话数据已保存到: %s (%d 字节)\n", filename, len(data))

	fmt.Println("\n🎉 演示完成！")
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
