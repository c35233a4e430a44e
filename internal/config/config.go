// Package config manages qkd-node configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides, merged on top
// of hard-coded defaults matching spec.md §6's "Configuration (recognized
// options and effects)" list.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jaskrrish/qkd-node/internal/qkd/frame"
)

// Side is this peer's role in the session (spec.md §6: side ∈
// {transmitter, detector}).
type Side string

const (
	SideTransmitter Side = "transmitter"
	SideDetector    Side = "detector"
)

// Config holds the complete qkd-node configuration.
type Config struct {
	RPC      RPCConfig     `koanf:"rpc"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
	Session  SessionConfig `koanf:"session"`
	Frame    FrameConfig   `koanf:"frame"`
	Sift     SiftConfig    `koanf:"sift"`
	Key      KeyConfig     `koanf:"key"`
	Privacy  PrivacyConfig `koanf:"privacy"`
	Side     Side          `koanf:"side"`
	Demo     DemoConfig    `koanf:"demo"`
}

// RPCConfig holds the websocket RPC server/peer addresses.
type RPCConfig struct {
	// ListenAddr is the address this peer's RPC endpoint listens on.
	ListenAddr string `koanf:"listen_addr"`
	// PeerAddr is the remote peer's RPC address to connect to.
	PeerAddr string `koanf:"peer_addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9464").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SessionConfig holds session-controller timing parameters (spec.md §5).
type SessionConfig struct {
	// PeerConnectTimeoutMS is how long Connect waits for the reverse
	// channel before faulting (default 10000, spec.md §5 "Peer connect: 10s").
	PeerConnectTimeoutMS int `koanf:"peer_connect_timeout_ms"`
}

// FrameConfig holds spec.md §4.4's alignment SystemParameters plus
// frame_slot_count (§3's SlotIndex domain).
type FrameConfig struct {
	FrameSlotCount               int     `koanf:"frame_slot_count"`
	FrameWidthPicoseconds        uint64  `koanf:"frame_width_picoseconds"`
	SlotWidthPicoseconds         uint64  `koanf:"slot_width_picoseconds"`
	PulseWidthPicoseconds        uint64  `koanf:"pulse_width_picoseconds"`
	MaxDriftPicosecondsPerSecond int64   `koanf:"max_drift_picoseconds_per_second"`
	AcceptanceRatio              float64 `koanf:"acceptance_ratio"`
	// TransmitterFirst is the session configuration bit from spec.md §4.1's
	// ordering rule: both peers must agree on this value out of band.
	TransmitterFirst bool `koanf:"transmitter_first"`
}

// ToSystemParameters converts the configured frame parameters into the
// frame.SystemParameters value both sides agree on at SessionStarting.
func (f FrameConfig) ToSystemParameters() frame.SystemParameters {
	return frame.SystemParameters{
		FrameSlotCount:               f.FrameSlotCount,
		FrameWidthPicoseconds:        f.FrameWidthPicoseconds,
		SlotWidthPicoseconds:         f.SlotWidthPicoseconds,
		PulseWidthPicoseconds:        f.PulseWidthPicoseconds,
		MaxDriftPicosecondsPerSecond: f.MaxDriftPicosecondsPerSecond,
		AcceptanceRatio:              f.AcceptanceRatio,
		TransmitterFirst:             f.TransmitterFirst,
	}
}

// SiftConfig holds the sifter's batching parameter (spec.md §4.5).
type SiftConfig struct {
	// MinFramesBeforeVerify is the transmitter-side Sifter's contiguous
	// batch size before calling VerifyBases (default 1).
	MinFramesBeforeVerify int `koanf:"min_frames_before_verify"`
	// WaitForLocalFrameMS is the receiver-side Sifter's bounded wait for
	// its own aligned qubits (default 500ms).
	WaitForLocalFrameMS int `koanf:"wait_for_local_frame_ms"`
}

// KeyConfig holds the key packager's output size (spec.md §4.8).
type KeyConfig struct {
	// SizeBytes is the fixed key size the packager cuts (default 16).
	SizeBytes int `koanf:"size_bytes"`
}

// PrivacyConfig holds the privacy-amplification safety margin (spec.md §4.7).
type PrivacyConfig struct {
	// SecurityMarginBits is subtracted, together with the leaked-bit count,
	// from the reconciled block length by privacyamp.SecureLength.
	SecurityMarginBits int `koanf:"security_margin_bits"`
}

// DemoConfig controls the non-hardware stand-in used to drive the pipeline
// when no real photon source/detector is attached: the transmitter side's
// Emitter fires synthetic frames on EmitIntervalMS, and (how real detection
// events reach the detector side being a driver concern outside this
// module's scope) the detector side measures them through a simulated noisy
// channel via align.LoopbackDetectionSource.
type DemoConfig struct {
	// EmitIntervalMS is the interval between the transmitter Emitter's
	// fired frames (default 50ms).
	EmitIntervalMS int `koanf:"emit_interval_ms"`
	// ChannelNoiseLevel is the simulated channel's bit-flip probability.
	ChannelNoiseLevel float64 `koanf:"channel_noise_level"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults spec.md §6
// names explicitly, plus sensible ambient-stack defaults for the rest.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			ListenAddr: ":7700",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			PeerConnectTimeoutMS: 10_000,
		},
		Frame: FrameConfig{
			FrameSlotCount:  1024,
			AcceptanceRatio: 0.9,
		},
		Sift: SiftConfig{
			MinFramesBeforeVerify: 1,
			WaitForLocalFrameMS:   500,
		},
		Key: KeyConfig{
			SizeBytes: 16,
		},
		Privacy: PrivacyConfig{
			SecurityMarginBits: 64,
		},
		Side: SideTransmitter,
		Demo: DemoConfig{
			EmitIntervalMS:    50,
			ChannelNoiseLevel: 0.01,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for qkd-node configuration.
// Variables are named QKDNODE_<section>_<key>, e.g. QKDNODE_RPC_LISTEN_ADDR.
const envPrefix = "QKDNODE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (QKDNODE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer entirely (defaults + env only).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms QKDNODE_RPC_LISTEN_ADDR -> rpc.listen_addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"rpc.listen_addr":                  defaults.RPC.ListenAddr,
		"rpc.peer_addr":                     defaults.RPC.PeerAddr,
		"metrics.addr":                      defaults.Metrics.Addr,
		"metrics.path":                      defaults.Metrics.Path,
		"log.level":                         defaults.Log.Level,
		"log.format":                        defaults.Log.Format,
		"session.peer_connect_timeout_ms":   defaults.Session.PeerConnectTimeoutMS,
		"frame.frame_slot_count":            defaults.Frame.FrameSlotCount,
		"frame.frame_width_picoseconds":     defaults.Frame.FrameWidthPicoseconds,
		"frame.slot_width_picoseconds":      defaults.Frame.SlotWidthPicoseconds,
		"frame.pulse_width_picoseconds":     defaults.Frame.PulseWidthPicoseconds,
		"frame.max_drift_picoseconds_per_second": defaults.Frame.MaxDriftPicosecondsPerSecond,
		"frame.acceptance_ratio":            defaults.Frame.AcceptanceRatio,
		"frame.transmitter_first":           defaults.Frame.TransmitterFirst,
		"sift.min_frames_before_verify":     defaults.Sift.MinFramesBeforeVerify,
		"sift.wait_for_local_frame_ms":      defaults.Sift.WaitForLocalFrameMS,
		"key.size_bytes":                    defaults.Key.SizeBytes,
		"privacy.security_margin_bits":      defaults.Privacy.SecurityMarginBits,
		"side":                              string(defaults.Side),
		"demo.emit_interval_ms":             defaults.Demo.EmitIntervalMS,
		"demo.channel_noise_level":          defaults.Demo.ChannelNoiseLevel,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyListenAddr     = errors.New("rpc.listen_addr must not be empty")
	ErrInvalidFrameSlots   = errors.New("frame.frame_slot_count must be > 0")
	ErrInvalidAcceptance   = errors.New("frame.acceptance_ratio must be in (0, 1]")
	ErrInvalidKeySize      = errors.New("key.size_bytes must be > 0")
	ErrInvalidMinFrames    = errors.New("sift.min_frames_before_verify must be >= 1")
	ErrInvalidSide         = errors.New("side must be transmitter or detector")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.RPC.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Frame.FrameSlotCount <= 0 {
		return ErrInvalidFrameSlots
	}
	if cfg.Frame.AcceptanceRatio <= 0 || cfg.Frame.AcceptanceRatio > 1 {
		return ErrInvalidAcceptance
	}
	if cfg.Key.SizeBytes <= 0 {
		return ErrInvalidKeySize
	}
	if cfg.Sift.MinFramesBeforeVerify < 1 {
		return ErrInvalidMinFrames
	}
	if cfg.Side != SideTransmitter && cfg.Side != SideDetector {
		return ErrInvalidSide
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
