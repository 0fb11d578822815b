package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/daemon"
	"github.com/g960059/chanpool/internal/db"
	"github.com/g960059/chanpool/internal/etcdstore"
	"github.com/g960059/chanpool/internal/logging"
	"github.com/g960059/chanpool/internal/store"
)

type daemonFlags struct {
	configPath    string
	socketPath    string
	listenAddr    string
	dbPath        string
	backend       string
	etcdEndpoints []string
	logLevel      string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chanpoold: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f daemonFlags
	cmd := &cobra.Command{
		Use:           "chanpoold",
		Short:         "Serve channel state and ordering over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/chanpool/config.yaml)")
	fl.StringVar(&f.socketPath, "socket", "", "unix socket path")
	fl.StringVar(&f.listenAddr, "listen", "", "TCP listen address, overrides --socket")
	fl.StringVar(&f.dbPath, "db", "", "SQLite path")
	fl.StringVar(&f.backend, "store", "", "store backend: sqlite or etcd")
	fl.StringSliceVar(&f.etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints (comma separated)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// loadConfig reads the config file and lays non-empty flags over it.
func loadConfig(f daemonFlags) (config.Config, error) {
	path := f.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if f.socketPath != "" {
		cfg.SocketPath = f.socketPath
	}
	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.backend != "" {
		cfg.StoreBackend = f.backend
	}
	if len(f.etcdEndpoints) > 0 {
		cfg.EtcdEndpoints = f.etcdEndpoints
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, errOut io.Writer) error {
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, errOut); err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	logging.New("chanpoold").WithFields(log.Fields{
		"store":  cfg.StoreBackend,
		"socket": cfg.SocketPath,
		"listen": cfg.ListenAddr,
	}).Info("starting")

	srv := daemon.NewServer(cfg, st)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendEtcd:
		st, err := etcdstore.Open(etcdstore.Options{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.EtcdDialTimeout,
			Prefix:      cfg.EtcdPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open etcd store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		st, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := db.ApplyMigrations(ctx, st.DB()); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
}
