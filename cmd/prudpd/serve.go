package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgefall/prudp/nexserver"
	"github.com/bridgefall/prudp/profile"
	"github.com/spf13/cobra"
)

const (
	defaultListenAddr = "0.0.0.0:10000"
	defaultAccessKey  = "6f599f81"
)

type serveOptions struct {
	configPath      string
	listenAddr      string
	workers         int
	logLevel        string
	logFile         string
	metricsInterval time.Duration
	verbose         bool
	accessKey       string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PRUDP server",
		Long: `serve binds the UDP listener and runs every configured service until
interrupted. Without --config a single authentication service is served on
virtual port 1 (rvsecure).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.serverConfig(cmd)
			if err != nil {
				return err
			}
			server, err := nexserver.NewServer(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Serve(ctx)
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

func (o *serveOptions) bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "server config file (JSON or YAML)")
	f.StringVar(&o.listenAddr, "listen", defaultListenAddr, "UDP listen address")
	f.IntVar(&o.workers, "workers", 1, "receive workers")
	f.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&o.logFile, "log-file", "", "also write logs to this file")
	f.DurationVar(&o.metricsInterval, "metrics-interval", 10*time.Second, "metrics log interval, negative disables")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")
	f.StringVar(&o.accessKey, "access-key", defaultAccessKey, "access key of the default service, ignored with --config")
}

// serverConfig loads the config file, or builds the default one, and applies
// the flags the user set explicitly.
func (o *serveOptions) serverConfig(cmd *cobra.Command) (nexserver.Config, error) {
	var cfg nexserver.Config
	if o.configPath != "" {
		loaded, err := nexserver.LoadConfig(o.configPath)
		if err != nil {
			return nexserver.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = nexserver.Config{
			ListenAddr:      o.listenAddr,
			Workers:         o.workers,
			LogLevel:        o.logLevel,
			MetricsInterval: o.metricsInterval,
			Services:        []profile.Service{defaultService(o.accessKey)},
		}
	}

	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.ListenAddr = o.listenAddr
	}
	if changed("workers") {
		cfg.Workers = o.workers
	}
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("log-file") {
		cfg.LogFile = o.logFile
	}
	if changed("metrics-interval") {
		cfg.MetricsInterval = o.metricsInterval
	}
	if o.verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func defaultService(accessKey string) profile.Service {
	return profile.Service{
		Name:       "auth",
		Port:       1,
		StreamType: "rvsecure",
		AccessKey:  accessKey,
	}
}
