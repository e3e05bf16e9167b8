package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"SpeakMateClient/internal/testserver"
)

// TestAgent 模拟练习代理的测试包装器
type TestAgent struct {
	*testserver.Server
	t *testing.T
}

// StartAgent 在随机端口启动模拟代理，测试结束时自动关闭
func StartAgent(t *testing.T, customizer func(*testserver.ServerConfig)) *TestAgent {
	t.Helper()

	cfg := testserver.DefaultServerConfig("127.0.0.1:0")
	cfg.ChunkDuration = 50 * time.Millisecond
	if customizer != nil {
		customizer(cfg)
	}

	agent := &TestAgent{
		Server: testserver.New(cfg, testserver.WithLogger(zaptest.NewLogger(t))),
		t:      t,
	}
	require.NoError(t, agent.Server.Start(), "Failed to start practice agent")
	t.Cleanup(agent.Stop)

	t.Logf("practice agent started on %s", agent.Addr())
	return agent
}

// Stop 停止模拟代理
func (a *TestAgent) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Server.Shutdown(ctx)
}

// GetHTTPURL 获取HTTP地址
func (a *TestAgent) GetHTTPURL() string {
	return fmt.Sprintf("http://%s", a.Addr())
}

// WaitForSessions 等待代理至少开始n个会话
func (a *TestAgent) WaitForSessions(n int) []testserver.SessionInfo {
	a.t.Helper()
	require.Eventually(a.t, func() bool {
		return len(a.Sessions()) >= n
	}, 5*time.Second, 10*time.Millisecond, "agent never started %d sessions", n)
	return a.Sessions()
}
