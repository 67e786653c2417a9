package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"raftmap/pkg/client"
	"raftmap/pkg/config"
)

type options struct {
	configPath string
	address    string
	advertise  string
	join       string
	clean      bool
	id         uint64
}

// parseFlags exits with status 2 on a bad command line.
func parseFlags(args []string) options {
	var opts options
	fs := flag.NewFlagSet("raftmap", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config")
	fs.StringVar(&opts.address, "address", "", "host:port to listen on")
	fs.StringVar(&opts.advertise, "advertise", "", "base URL announced to peers (default http://<address>)")
	fs.StringVar(&opts.join, "join", "", "address of a running member to join through")
	fs.BoolVar(&opts.clean, "clean", false, "wipe the storage directory before start")
	fs.Uint64Var(&opts.id, "id", 0, "raft node id (default derived from the advertised address)")
	_ = fs.Parse(args)
	return opts
}

// initConfig загружает конфиг из файла YAML и накладывает флаги.
// Если файл не найден, берётся config.Default().
func initConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}

	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if opts.advertise != "" {
		cfg.Server.Advertise = opts.advertise
	}
	if opts.id != 0 {
		cfg.Raft.ID = opts.id
	}
	if opts.join != "" {
		cfg.Raft.Join = client.BaseURL(opts.join)
	}
	if opts.clean {
		cfg.Storage.Clean = true
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = cfg.Server.DefaultDataDir()
	}

	if err := config.Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) error {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		return fmt.Errorf("logger level: %w", err)
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.Level(), "json", cfg.Logger.JSON)
	return nil
}
