package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ddpctl/internal/protocol/session"
)

type fileConfig struct {
	URL                string `toml:"url"`
	Username           string `toml:"username"`
	ConnectTimeout     string `toml:"connect_timeout"`
	ConnectTimeoutMS   int64  `toml:"connect_timeout_ms"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	HandshakeTimeoutMS int64  `toml:"handshake_timeout_ms"`
	RequestTimeout     string `toml:"request_timeout"`
	RequestTimeoutMS   int64  `toml:"request_timeout_ms"`
	WriteTimeout       string `toml:"write_timeout"`
	WriteTimeoutMS     int64  `toml:"write_timeout_ms"`
	MaxFrameBytes      int64  `toml:"max_frame_bytes"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	AdminListen        string `toml:"admin_listen"`
}

type appConfig struct {
	Session     session.Config
	Username    string
	AdminListen string
}

func defaultAppConfig() appConfig {
	return appConfig{Session: session.DefaultConfig()}
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load ddpctl config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.Session.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}

	durations := []struct {
		key   string
		text  string
		ms    int64
		field *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, raw.ConnectTimeoutMS, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, raw.HandshakeTimeoutMS, &cfg.Session.HandshakeTimeout},
		{"request_timeout", raw.RequestTimeout, raw.RequestTimeoutMS, &cfg.Session.RequestTimeout},
		{"write_timeout", raw.WriteTimeout, raw.WriteTimeoutMS, &cfg.Session.WriteTimeout},
	}
	for _, d := range durations {
		if meta.IsDefined(d.key) {
			v, err := time.ParseDuration(strings.TrimSpace(d.text))
			if err != nil {
				return appConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.field = v
		}
		if meta.IsDefined(d.key + "_ms") {
			*d.field = time.Duration(d.ms) * time.Millisecond
		}
	}

	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.Limits.MaxPayloadBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}

	if err := cfg.Session.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("validate ddpctl config: %w", err)
	}
	return cfg, nil
}
