package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/wsclient"
)

// EnvPrefix 环境变量前缀，例如 SPEAKMATE_SERVER_URL
const EnvPrefix = "SPEAKMATE"

var ErrInvalidConfig = errors.New("invalid config")

// Config 客户端完整配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Session  SessionConfig  `mapstructure:"session" json:"session"`
	Network  NetworkConfig  `mapstructure:"network" json:"network"`
	Audio    AudioConfig    `mapstructure:"audio" json:"audio"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
	Recorder RecorderConfig `mapstructure:"recorder" json:"recorder"`
}

// ServerConfig 代理地址
type ServerConfig struct {
	URL   string `mapstructure:"url" json:"url"`
	Token string `mapstructure:"token" json:"-"`
}

// SessionConfig 默认会话参数
type SessionConfig struct {
	Level   string `mapstructure:"level" json:"level"`
	Topic   string `mapstructure:"topic" json:"topic"`
	UserID  string `mapstructure:"user_id" json:"user_id"`
	VoiceID string `mapstructure:"voice_id" json:"voice_id"`
}

// NetworkConfig 连接与重连
type NetworkConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" json:"reconnect_interval"`
	MaxReconnectTries int           `mapstructure:"max_reconnect_tries" json:"max_reconnect_tries"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" json:"max_message_size"`
	SendQueueSize     int           `mapstructure:"send_queue_size" json:"send_queue_size"`
}

// AudioConfig 采集与播放
type AudioConfig struct {
	Device                string        `mapstructure:"device" json:"device"`
	CaptureSampleRate     int           `mapstructure:"capture_sample_rate" json:"capture_sample_rate"`
	FramesPerBuffer       int           `mapstructure:"frames_per_buffer" json:"frames_per_buffer"`
	BackpressureThreshold int64         `mapstructure:"backpressure_threshold" json:"backpressure_threshold"`
	PlaybackSampleRate    int           `mapstructure:"playback_sample_rate" json:"playback_sample_rate"`
	PlaybackLeadIn        time.Duration `mapstructure:"playback_lead_in" json:"playback_lead_in"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

type RecorderConfig struct {
	OutputDir string `mapstructure:"output_dir" json:"output_dir"`
}

// SetDefaults 设置所有键的默认值，环境变量覆盖依赖这些键已注册
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8000/ws/voice")
	v.SetDefault("server.token", "")

	v.SetDefault("session.level", string(session.LevelIntermediate))
	v.SetDefault("session.topic", string(session.TopicFreeTalk))
	v.SetDefault("session.user_id", "")
	v.SetDefault("session.voice_id", session.DefaultVoiceID)

	v.SetDefault("network.handshake_timeout", "10s")
	v.SetDefault("network.dial_timeout", "10s")
	v.SetDefault("network.reconnect_interval", "1s")
	v.SetDefault("network.max_reconnect_tries", 5)
	v.SetDefault("network.write_timeout", "5s")
	v.SetDefault("network.max_message_size", 16<<20)
	v.SetDefault("network.send_queue_size", 512)

	v.SetDefault("audio.device", "none")
	v.SetDefault("audio.capture_sample_rate", 16000)
	v.SetDefault("audio.frames_per_buffer", 512)
	v.SetDefault("audio.backpressure_threshold", 1<<20)
	v.SetDefault("audio.playback_sample_rate", 24000)
	v.SetDefault("audio.playback_lead_in", "100ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("recorder.output_dir", "")
}

// newViper 创建带默认值和环境变量绑定的viper实例
func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("speakmate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/speakmate")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

// readConfig 读取配置文件；未指定路径且找不到文件时只使用默认值和环境变量
func readConfig(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file failed: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 读取配置文件、环境变量和默认值
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readConfig(v, path != ""); err != nil {
		return nil, err
	}
	return decode(v)
}

// Default 仅由默认值构成的配置
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || c.Server.URL == "" {
		return fmt.Errorf("%w: server.url %q", ErrInvalidConfig, c.Server.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server.url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}

	if _, err := c.SessionParams().Normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Network.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: network.handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.Network.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: network.reconnect_interval must be positive", ErrInvalidConfig)
	}
	if c.Network.WriteTimeout <= 0 {
		return fmt.Errorf("%w: network.write_timeout must be positive", ErrInvalidConfig)
	}
	if c.Network.MaxReconnectTries < 0 {
		return fmt.Errorf("%w: network.max_reconnect_tries must not be negative", ErrInvalidConfig)
	}

	if c.Audio.CaptureSampleRate <= 0 || c.Audio.PlaybackSampleRate <= 0 {
		return fmt.Errorf("%w: audio sample rates must be positive", ErrInvalidConfig)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return fmt.Errorf("%w: audio.frames_per_buffer must be positive", ErrInvalidConfig)
	}
	if c.Audio.BackpressureThreshold <= 0 {
		return fmt.Errorf("%w: audio.backpressure_threshold must be positive", ErrInvalidConfig)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log.format must be console or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// SessionParams 配置中的默认会话参数
func (c *Config) SessionParams() session.Params {
	return session.Params{
		Level:   session.Level(c.Session.Level),
		Topic:   session.Topic(c.Session.Topic),
		UserID:  c.Session.UserID,
		VoiceID: c.Session.VoiceID,
	}
}

// ControllerConfig 转换为会话控制器配置
func (c *Config) ControllerConfig() *session.Config {
	client := wsclient.DefaultClientConfig(c.Server.URL, c.Server.Token)
	client.HandshakeTimeout = c.Network.HandshakeTimeout
	client.DialTimeout = c.Network.DialTimeout
	client.ReconnectInterval = c.Network.ReconnectInterval
	client.MaxReconnectTries = c.Network.MaxReconnectTries

	framer := audio.DefaultFramerConfig()
	framer.SampleRate = c.Audio.CaptureSampleRate
	framer.FramesPerBuffer = c.Audio.FramesPerBuffer
	framer.BackpressureThreshold = c.Audio.BackpressureThreshold

	scheduler := audio.DefaultSchedulerConfig()
	scheduler.LeadIn = c.Audio.PlaybackLeadIn
	scheduler.DefaultSampleRate = c.Audio.PlaybackSampleRate

	return &session.Config{
		Client:    client,
		Framer:    framer,
		Scheduler: scheduler,
	}
}

// TransportConfig 转换为WebSocket传输配置
func (c *Config) TransportConfig() wsclient.TransportConfig {
	tc := wsclient.DefaultTransportConfig()
	tc.DialTimeout = c.Network.DialTimeout
	tc.WriteTimeout = c.Network.WriteTimeout
	tc.MaxMessageSize = c.Network.MaxMessageSize
	tc.SendQueueSize = c.Network.SendQueueSize
	return tc
}
