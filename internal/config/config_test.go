package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jaskrrish/qkd-node/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.RPC.ListenAddr != ":7700" {
		t.Errorf("RPC.ListenAddr = %q, want %q", cfg.RPC.ListenAddr, ":7700")
	}
	if cfg.Frame.FrameSlotCount != 1024 {
		t.Errorf("Frame.FrameSlotCount = %d, want 1024", cfg.Frame.FrameSlotCount)
	}
	if cfg.Frame.AcceptanceRatio != 0.9 {
		t.Errorf("Frame.AcceptanceRatio = %v, want 0.9", cfg.Frame.AcceptanceRatio)
	}
	if cfg.Sift.MinFramesBeforeVerify != 1 {
		t.Errorf("Sift.MinFramesBeforeVerify = %d, want 1", cfg.Sift.MinFramesBeforeVerify)
	}
	if cfg.Key.SizeBytes != 16 {
		t.Errorf("Key.SizeBytes = %d, want 16", cfg.Key.SizeBytes)
	}
	if cfg.Side != config.SideTransmitter {
		t.Errorf("Side = %q, want %q", cfg.Side, config.SideTransmitter)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
rpc:
  listen_addr: ":7701"
frame:
  frame_slot_count: 256
side: detector
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.RPC.ListenAddr != ":7701" {
		t.Errorf("RPC.ListenAddr = %q, want %q", cfg.RPC.ListenAddr, ":7701")
	}
	if cfg.Frame.FrameSlotCount != 256 {
		t.Errorf("Frame.FrameSlotCount = %d, want 256", cfg.Frame.FrameSlotCount)
	}
	if cfg.Side != config.SideDetector {
		t.Errorf("Side = %q, want %q", cfg.Side, config.SideDetector)
	}

	// Untouched defaults survive the merge.
	if cfg.Key.SizeBytes != 16 {
		t.Errorf("Key.SizeBytes = %d, want default 16", cfg.Key.SizeBytes)
	}
	if cfg.Frame.AcceptanceRatio != 0.9 {
		t.Errorf("Frame.AcceptanceRatio = %v, want default 0.9", cfg.Frame.AcceptanceRatio)
	}
}

func TestLoadEmptyPathSkipsFileLayer(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.RPC.ListenAddr != ":7700" {
		t.Errorf("RPC.ListenAddr = %q, want default %q", cfg.RPC.ListenAddr, ":7700")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty listen addr",
			modify:  func(cfg *config.Config) { cfg.RPC.ListenAddr = "" },
			wantErr: config.ErrEmptyListenAddr,
		},
		{
			name:    "zero frame slot count",
			modify:  func(cfg *config.Config) { cfg.Frame.FrameSlotCount = 0 },
			wantErr: config.ErrInvalidFrameSlots,
		},
		{
			name:    "acceptance ratio above one",
			modify:  func(cfg *config.Config) { cfg.Frame.AcceptanceRatio = 1.5 },
			wantErr: config.ErrInvalidAcceptance,
		},
		{
			name:    "zero key size",
			modify:  func(cfg *config.Config) { cfg.Key.SizeBytes = 0 },
			wantErr: config.ErrInvalidKeySize,
		},
		{
			name:    "zero min frames before verify",
			modify:  func(cfg *config.Config) { cfg.Sift.MinFramesBeforeVerify = 0 },
			wantErr: config.ErrInvalidMinFrames,
		},
		{
			name:    "unrecognized side",
			modify:  func(cfg *config.Config) { cfg.Side = "spectator" },
			wantErr: config.ErrInvalidSide,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)
			if err := config.Validate(cfg); err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestToSystemParameters(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Frame.TransmitterFirst = true
	params := cfg.Frame.ToSystemParameters()

	if params.FrameSlotCount != cfg.Frame.FrameSlotCount {
		t.Errorf("FrameSlotCount = %d, want %d", params.FrameSlotCount, cfg.Frame.FrameSlotCount)
	}
	if !params.TransmitterFirst {
		t.Error("expected TransmitterFirst to carry through")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "qkdnode.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
