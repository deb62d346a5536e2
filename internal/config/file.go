package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file. Pointer fields distinguish "unset"
// from zero values so the file only overrides what it names.
//
//	listen_addr: 0.0.0.0:8080
//	mode: prod
//	allowed_origins: [https://app.example.com]
//	signaling:
//	  path: /observer
//	  idle_timeout: 60s
//	heartbeat:
//	  interval: 1s
//	ice_servers:
//	  - urls: stun:stun.example.com:3478
type fileConfig struct {
	ListenAddr      *string        `yaml:"listen_addr"`
	Mode            *string        `yaml:"mode"`
	LogFormat       *string        `yaml:"log_format"`
	LogLevel        *string        `yaml:"log_level"`
	ShutdownTimeout *time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string       `yaml:"allowed_origins"`

	Signaling struct {
		Path              *string        `yaml:"path"`
		IdleTimeout       *time.Duration `yaml:"idle_timeout"`
		WriteTimeout      *time.Duration `yaml:"write_timeout"`
		MaxMessageBytes   *int64         `yaml:"max_message_bytes"`
		MessagesPerSecond *int           `yaml:"messages_per_second"`
		SendQueueFrames   *int           `yaml:"send_queue_frames"`
		SendQueueBytes    *int           `yaml:"send_queue_bytes"`
	} `yaml:"signaling"`

	Heartbeat struct {
		Interval *time.Duration `yaml:"interval"`
	} `yaml:"heartbeat"`

	Assets struct {
		StaticDir       *string `yaml:"static_dir"`
		ScriptSourceDir *string `yaml:"script_source_dir"`
	} `yaml:"assets"`

	ICEServers []iceServerJSON `yaml:"ice_servers"`

	TURNREST struct {
		SharedSecret   *string `yaml:"shared_secret"`
		TTLSeconds     *int64  `yaml:"ttl_seconds"`
		UsernamePrefix *string `yaml:"username_prefix"`
	} `yaml:"turn_rest"`
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}
	fc, err := parseFile(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("%w: %s: %w", ErrConfigFile, path, err)
	}
	return fc, nil
}

// parseFile rejects unknown keys so typos fail loudly.
func parseFile(data []byte) (fileConfig, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, err
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config, mode, logFormat, logLevel *string) {
	setString(mode, fc.Mode)
	setString(logFormat, fc.LogFormat)
	setString(logLevel, fc.LogLevel)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	set(&cfg.ShutdownTimeout, fc.ShutdownTimeout)
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = append([]string(nil), fc.AllowedOrigins...)
	}

	setString(&cfg.SignalingPath, fc.Signaling.Path)
	set(&cfg.SignalingWSIdleTimeout, fc.Signaling.IdleTimeout)
	set(&cfg.SignalingWriteTimeout, fc.Signaling.WriteTimeout)
	set(&cfg.MaxSignalingMessageBytes, fc.Signaling.MaxMessageBytes)
	set(&cfg.MaxSignalingMessagesPerSecond, fc.Signaling.MessagesPerSecond)
	set(&cfg.SignalingSendQueueFrames, fc.Signaling.SendQueueFrames)
	set(&cfg.SignalingSendQueueBytes, fc.Signaling.SendQueueBytes)
	set(&cfg.HeartbeatInterval, fc.Heartbeat.Interval)

	setString(&cfg.StaticDir, fc.Assets.StaticDir)
	setString(&cfg.ScriptSourceDir, fc.Assets.ScriptSourceDir)

	setString(&cfg.TURNREST.SharedSecret, fc.TURNREST.SharedSecret)
	set(&cfg.TURNREST.TTLSeconds, fc.TURNREST.TTLSeconds)
	setString(&cfg.TURNREST.UsernamePrefix, fc.TURNREST.UsernamePrefix)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// setString ignores empty strings, matching how empty env vars are treated.
func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}
