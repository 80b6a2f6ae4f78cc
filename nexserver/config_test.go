package nexserver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bridgefall/prudp/profile"
	cborprofile "github.com/bridgefall/prudp/profile/cbor"
)

func authService() profile.Service {
	return profile.Service{
		Name:       "auth",
		Port:       1,
		StreamType: "rvsecure",
		AccessKey:  "6f599f81",
	}
}

func TestFileConfigValidation(t *testing.T) {
	dup := authService()
	dup.Name = "dup"
	badCipher := authService()
	badCipher.Cipher = "aes"

	cases := []struct {
		name    string
		cfg     FileConfig
		wantErr bool
	}{
		{
			name:    "missing listen",
			cfg:     FileConfig{Services: []profile.Service{authService()}},
			wantErr: true,
		},
		{
			name:    "missing services",
			cfg:     FileConfig{ListenAddr: "127.0.0.1:10000"},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: FileConfig{
				ListenAddr: "127.0.0.1:10000",
				Services:   []profile.Service{authService()},
			},
		},
		{
			name: "duplicate virtual port",
			cfg: FileConfig{
				ListenAddr: "127.0.0.1:10000",
				Services:   []profile.Service{authService(), dup},
			},
			wantErr: true,
		},
		{
			name: "invalid service",
			cfg: FileConfig{
				ListenAddr: "127.0.0.1:10000",
				Services:   []profile.Service{badCipher},
			},
			wantErr: true,
		},
		{
			name: "bad log level",
			cfg: FileConfig{
				ListenAddr: "127.0.0.1:10000",
				LogLevel:   "trace",
				Services:   []profile.Service{authService()},
			},
			wantErr: true,
		},
		{
			name: "burst without rate",
			cfg: FileConfig{
				ListenAddr:        "127.0.0.1:10000",
				SynRateLimitBurst: 4,
				Services:          []profile.Service{authService()},
			},
			wantErr: true,
		},
		{
			name: "missing service file",
			cfg: FileConfig{
				ListenAddr:   "127.0.0.1:10000",
				ServiceFiles: []string{"does-not-exist.json"},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.ToServerConfig(t.TempDir())
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg, err := normalizeConfig(Config{
		ListenAddr: "127.0.0.1:10000",
		LogLevel:   "DEBUG",
		Services:   []profile.Service{authService()},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Workers != defaultWorkers || cfg.MetricsInterval != defaultMetricsInterval || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg, err = normalizeConfig(Config{
		ListenAddr:      "127.0.0.1:10000",
		MetricsInterval: -1,
		Services:        []profile.Service{authService()},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.MetricsInterval != 0 || cfg.LogLevel != "info" {
		t.Fatalf("negative metrics interval should disable logging, got %v", cfg.MetricsInterval)
	}
}

func TestLoadConfigWithServiceFiles(t *testing.T) {
	dir := t.TempDir()

	secure := `{"name": "secure", "port": 1, "stream_type": "rvsecure", "access_key": "ridfebb9", "cipher": "none"}`
	if err := os.WriteFile(filepath.Join(dir, "secure.json"), []byte(secure), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	game := profile.Service{Name: "game", Port: 2, StreamType: "game", AccessKey: "6f599f81"}
	data, err := cborprofile.EncodeService(game)
	if err != nil {
		t.Fatalf("encode cbor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "game.cbor"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	yamlCfg := `
listen_addr: 0.0.0.0:10000
workers: 2
verbose: true
metrics_interval: 30s
retransmit_timeout: 500ms
services:
  - name: auth
    port: 1
    stream_type: rvsecure
    access_key: 6f599f81
    cipher: rc4
    idle_timeout: 1m
service_files:
  - game.cbor
`
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte(yamlCfg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Services) != 2 || cfg.Services[1].Name != "game" {
		t.Fatalf("services = %+v", cfg.Services)
	}
	if cfg.Workers != 2 || cfg.LogLevel != "debug" || cfg.RetransmitTimeout.String() != "500ms" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	// A second service on rvsecure/1 collides with auth.
	jsonCfg := `{"listen_addr": "0.0.0.0:10000", "services": [{"name": "auth", "port": 1, "stream_type": "rvsecure", "access_key": "6f599f81"}], "service_files": ["secure.json"]}`
	path = filepath.Join(dir, "server.json")
	if err := os.WriteFile(path, []byte(jsonCfg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = LoadConfig(path)
	if err == nil || !strings.HasPrefix(err.Error(), invalidConfigPrefix) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": "0.0.0.0:10000", "listen": "x"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}
