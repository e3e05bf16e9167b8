package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeFunc 配置重新加载成功后的回调
type ChangeFunc func(old, new *Config)

// Manager 配置管理器，支持配置文件热重载
type Manager struct {
	mu          sync.RWMutex
	path        string
	viper       *viper.Viper
	current     *Config
	subscribers []ChangeFunc
	watching    bool
	logger      *zap.Logger
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件，为空时按默认路径搜索
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLogger 替换日志器，通常在根据配置创建好日志器之后调用
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger != nil {
		m.logger = logger
	}
}

// Load 首次加载配置
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := newViper(m.path)
	if err := readConfig(v, m.path != ""); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	m.viper = v
	m.current = cfg
	return cfg, nil
}

// Current 当前生效的配置
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConfigFile 实际读取的配置文件，未找到文件时为空
func (m *Manager) ConfigFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// Subscribe 注册配置变化回调
func (m *Manager) Subscribe(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Reload 重新解析配置；校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}

	cfg, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reload config failed: %w", err)
	}

	old := m.current
	m.current = cfg
	subscribers := append([]ChangeFunc{}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(old, cfg)
	}
	return nil
}

// Watch 监控配置文件变化（热重载），没有读取到配置文件时为空操作
func (m *Manager) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.viper == nil || m.watching || m.viper.ConfigFileUsed() == "" {
		return
	}
	m.watching = true

	logger := m.logger
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if err := m.Reload(); err != nil {
			logger.Warn("keeping previous config", zap.Error(err))
		}
	})
	m.viper.WatchConfig()
}
