package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string

	// GeminiAPIKey comes from GEMINI_API_KEY, falling back to API_KEY. It may be
	// empty at load time; connecting then fails with a connection error.
	GeminiAPIKey string
	Model        string

	OutputTranscription bool

	// Capture and playback devices.
	FFmpegPath     string
	FFplayPath     string
	MicDevice      string
	Silent         bool
	PlaybackVolume int
	FrameSize      int
	VolumeGain     float64

	ConnectTimeout time.Duration
	// Zero disables the speaking-turn watchdog.
	TurnTimeout    time.Duration
	MaxUploadBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live feed WebSocket (/v1/live).
	LiveWSPingInterval time.Duration
	LiveWSWriteTimeout time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel string
}

// fileConfig is the optional YAML overlay read from CASEWORKER_CONFIG_FILE.
// Environment variables win over the file.
type fileConfig struct {
	Addr                string   `yaml:"addr"`
	Model               string   `yaml:"model"`
	OutputTranscription *bool    `yaml:"output_transcription"`
	FFmpegPath          string   `yaml:"ffmpeg_path"`
	FFplayPath          string   `yaml:"ffplay_path"`
	MicDevice           string   `yaml:"mic_device"`
	Silent              *bool    `yaml:"silent"`
	PlaybackVolume      *int     `yaml:"playback_volume"`
	FrameSize           *int     `yaml:"frame_size"`
	VolumeGain          *float64 `yaml:"volume_gain"`
	ConnectTimeout      string   `yaml:"connect_timeout"`
	TurnTimeout         string   `yaml:"turn_timeout"`
	MaxUploadBytes      *int64   `yaml:"max_upload_bytes"`
	CORSOrigins         []string `yaml:"cors_origins"`
	LogLevel            string   `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		Addr:                ":8080",
		Model:               "gemini-2.5-flash-native-audio-preview-09-2025",
		OutputTranscription: true,
		FFmpegPath:          "ffmpeg",
		FFplayPath:          "ffplay",
		PlaybackVolume:      100,
		FrameSize:           4096,
		VolumeGain:          5,
		ConnectTimeout:      15 * time.Second,
		TurnTimeout:         2 * time.Minute,
		MaxUploadBytes:      10 << 20, // 10 MiB
		CORSAllowedOrigins:  make(map[string]struct{}),
		LiveWSPingInterval:  20 * time.Second,
		LiveWSWriteTimeout:  5 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
		ReadTimeout:         30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
		LogLevel:            "info",
	}
}

func LoadFromEnv() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CASEWORKER_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = envOr("CASEWORKER_ADDR", cfg.Addr)
	cfg.GeminiAPIKey = envOr("GEMINI_API_KEY", envOr("API_KEY", ""))
	cfg.Model = envOr("CASEWORKER_MODEL", cfg.Model)
	cfg.OutputTranscription = envBoolOr("CASEWORKER_OUTPUT_TRANSCRIPTION", cfg.OutputTranscription)
	cfg.FFmpegPath = envOr("CASEWORKER_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFplayPath = envOr("CASEWORKER_FFPLAY_PATH", cfg.FFplayPath)
	cfg.MicDevice = envOr("CASEWORKER_MIC_DEVICE", cfg.MicDevice)
	cfg.Silent = envBoolOr("CASEWORKER_SILENT", cfg.Silent)
	cfg.PlaybackVolume = envIntOr("CASEWORKER_PLAYBACK_VOLUME", cfg.PlaybackVolume)
	cfg.FrameSize = envIntOr("CASEWORKER_FRAME_SIZE", cfg.FrameSize)
	cfg.VolumeGain = envFloat64Or("CASEWORKER_VOLUME_GAIN", cfg.VolumeGain)
	cfg.ConnectTimeout = envDurationOr("CASEWORKER_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.TurnTimeout = envDurationOr("CASEWORKER_TURN_TIMEOUT", cfg.TurnTimeout)
	cfg.MaxUploadBytes = envInt64Or("CASEWORKER_MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.LiveWSPingInterval = envDurationOr("CASEWORKER_LIVE_WS_PING_INTERVAL", cfg.LiveWSPingInterval)
	cfg.LiveWSWriteTimeout = envDurationOr("CASEWORKER_LIVE_WS_WRITE_TIMEOUT", cfg.LiveWSWriteTimeout)
	cfg.ReadHeaderTimeout = envDurationOr("CASEWORKER_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = envDurationOr("CASEWORKER_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("CASEWORKER_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
	cfg.LogLevel = strings.ToLower(envOr("CASEWORKER_LOG_LEVEL", cfg.LogLevel))

	if origins := splitCSV(os.Getenv("CASEWORKER_CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSAllowedOrigins = make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("CASEWORKER_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("CASEWORKER_MODEL must not be empty")
	}
	if cfg.PlaybackVolume < 0 || cfg.PlaybackVolume > 100 {
		return fmt.Errorf("CASEWORKER_PLAYBACK_VOLUME must be between 0 and 100")
	}
	if cfg.FrameSize <= 0 {
		return fmt.Errorf("CASEWORKER_FRAME_SIZE must be > 0")
	}
	if cfg.VolumeGain <= 0 {
		return fmt.Errorf("CASEWORKER_VOLUME_GAIN must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("CASEWORKER_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.TurnTimeout < 0 {
		return fmt.Errorf("CASEWORKER_TURN_TIMEOUT must be >= 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("CASEWORKER_MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return fmt.Errorf("CASEWORKER_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return fmt.Errorf("CASEWORKER_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("CASEWORKER_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("CASEWORKER_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("CASEWORKER_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("CASEWORKER_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.Model, fc.Model)
	setString(&cfg.FFmpegPath, fc.FFmpegPath)
	setString(&cfg.FFplayPath, fc.FFplayPath)
	setString(&cfg.MicDevice, fc.MicDevice)
	setString(&cfg.LogLevel, strings.ToLower(fc.LogLevel))
	if fc.OutputTranscription != nil {
		cfg.OutputTranscription = *fc.OutputTranscription
	}
	if fc.Silent != nil {
		cfg.Silent = *fc.Silent
	}
	if fc.PlaybackVolume != nil {
		cfg.PlaybackVolume = *fc.PlaybackVolume
	}
	if fc.FrameSize != nil {
		cfg.FrameSize = *fc.FrameSize
	}
	if fc.VolumeGain != nil {
		cfg.VolumeGain = *fc.VolumeGain
	}
	if fc.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *fc.MaxUploadBytes
	}
	if err := setDuration(&cfg.ConnectTimeout, fc.ConnectTimeout, "connect_timeout"); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := setDuration(&cfg.TurnTimeout, fc.TurnTimeout, "turn_timeout"); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	for _, origin := range fc.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, name string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
