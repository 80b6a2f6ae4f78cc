package nexserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bridgefall/prudp/commons/config"
	"github.com/bridgefall/prudp/profile"
	cborprofile "github.com/bridgefall/prudp/profile/cbor"
)

// FileConfig defines the JSON or YAML config for the server.
type FileConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`
	Workers           int               `json:"workers" yaml:"workers"`
	BatchSize         int               `json:"batch_size" yaml:"batch_size"`
	MaxDatagramSize   int               `json:"max_datagram_size" yaml:"max_datagram_size"`
	SynRateLimitPPS   int               `json:"syn_rate_limit_pps" yaml:"syn_rate_limit_pps"`
	SynRateLimitBurst int               `json:"syn_rate_limit_burst" yaml:"syn_rate_limit_burst"`
	RetransmitTimeout config.Duration   `json:"retransmit_timeout" yaml:"retransmit_timeout"`
	MaxRetransmits    int               `json:"max_retransmits" yaml:"max_retransmits"`
	MetricsInterval   config.Duration   `json:"metrics_interval" yaml:"metrics_interval"`
	LogLevel          string            `json:"log_level" yaml:"log_level"`
	LogFile           string            `json:"log_file" yaml:"log_file"`
	Verbose           bool              `json:"verbose" yaml:"verbose"`
	Services          []profile.Service `json:"services" yaml:"services"`
	// ServiceFiles are loaded relative to the config file. A .cbor file holds
	// a compact service profile; anything else is JSON or YAML.
	ServiceFiles []string `json:"service_files" yaml:"service_files"`
}

// ToServerConfig converts the file config into a server Config. Relative
// service files are resolved against baseDir.
func (c FileConfig) ToServerConfig(baseDir string) (Config, error) {
	logLevel := c.LogLevel
	if logLevel == "" && c.Verbose {
		logLevel = "debug"
	}
	services := append([]profile.Service(nil), c.Services...)
	for _, path := range c.ServiceFiles {
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		svc, err := LoadServiceFile(path)
		if err != nil {
			return Config{}, err
		}
		services = append(services, svc)
	}
	cfg := Config{
		ListenAddr:        c.ListenAddr,
		Workers:           c.Workers,
		BatchSize:         c.BatchSize,
		MaxDatagramSize:   c.MaxDatagramSize,
		SynRateLimitPPS:   c.SynRateLimitPPS,
		SynRateLimitBurst: c.SynRateLimitBurst,
		RetransmitTimeout: c.RetransmitTimeout.Duration,
		MaxRetransmits:    c.MaxRetransmits,
		MetricsInterval:   c.MetricsInterval.Duration,
		LogLevel:          logLevel,
		LogFile:           c.LogFile,
		Services:          services,
	}
	if _, err := normalizeConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a JSON or YAML config file.
func LoadConfig(path string) (Config, error) {
	var fileCfg FileConfig
	if err := config.LoadFile(path, &fileCfg); err != nil {
		return Config{}, err
	}
	cfg, err := fileCfg.ToServerConfig(filepath.Dir(path))
	if err != nil {
		if strings.HasPrefix(err.Error(), invalidConfigPrefix) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	return cfg, nil
}

// LoadServiceFile reads one service profile from JSON, YAML or CBOR.
func LoadServiceFile(path string) (profile.Service, error) {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		data, err := os.ReadFile(path)
		if err != nil {
			return profile.Service{}, fmt.Errorf("read service: %w", err)
		}
		svc, err := cborprofile.DecodeService(data)
		if err != nil {
			return profile.Service{}, fmt.Errorf("service %s: %w", path, err)
		}
		return svc, nil
	}
	var svc profile.Service
	if err := config.LoadFile(path, &svc); err != nil {
		return profile.Service{}, fmt.Errorf("service %s: %w", path, err)
	}
	return svc, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("%s: listen address required", invalidConfigPrefix)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MetricsInterval < 0 {
		cfg.MetricsInterval = 0
	} else if cfg.MetricsInterval == 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	if cfg.RetransmitTimeout < 0 || cfg.MaxRetransmits < 0 {
		return Config{}, fmt.Errorf("%s: retransmit settings must not be negative", invalidConfigPrefix)
	}
	if cfg.SynRateLimitBurst > 0 && cfg.SynRateLimitPPS <= 0 {
		return Config{}, fmt.Errorf("%s: syn_rate_limit_burst needs syn_rate_limit_pps", invalidConfigPrefix)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "", "error", "warn", "info", "debug":
	default:
		return Config{}, fmt.Errorf("%s: log_level must be 'error', 'warn', 'info' or 'debug'", invalidConfigPrefix)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Services) == 0 {
		return Config{}, fmt.Errorf("%s: at least one service required", invalidConfigPrefix)
	}
	seen := make(map[uint8]string, len(cfg.Services))
	for _, svc := range cfg.Services {
		if err := svc.Validate(); err != nil {
			return Config{}, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
		}
		vp, _ := svc.VirtualPort()
		if prev, ok := seen[uint8(vp)]; ok {
			return Config{}, fmt.Errorf("%s: services %q and %q share virtual port %s", invalidConfigPrefix, prev, svc.Name, vp)
		}
		seen[uint8(vp)] = svc.Name
	}
	return cfg, nil
}
