package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" validate:"required"`
	Session   SessionConfig   `yaml:"session" validate:"required"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Client    ClientConfig    `yaml:"client" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	// Address is the listen address, host:port.
	Address string `yaml:"address" validate:"required,hostname_port"`
	// Advertise is the base URL peers and clients use to reach this node.
	// Defaults to http://<address>.
	Advertise         string        `yaml:"advertise" validate:"omitempty,url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required,gt=0"`
}

type RaftConfig struct {
	// ID of this node; 0 derives it from the advertised address.
	ID                        uint64           `yaml:"id"`
	TickInterval              time.Duration    `yaml:"tick_interval" validate:"required,gt=0"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1,ltfield=ElectionTick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg" validate:"required"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"dive"`
	// Join is the address of any member of a running cluster. When set the
	// node asks that member to add it instead of bootstrapping.
	Join string `yaml:"join" validate:"omitempty,url"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type StorageConfig struct {
	// DataDir holds the WAL and snapshots. Empty means <host>_<port>_logs.
	DataDir string `yaml:"data_dir"`
	// Clean wipes DataDir before start.
	Clean bool `yaml:"clean"`
}

type SnapshotConfig struct {
	Entries        uint64        `yaml:"entries" validate:"required,min=1"`
	Interval       time.Duration `yaml:"interval" validate:"min=0"`
	CatchUpEntries uint64        `yaml:"catch_up_entries"`
	Retain         int           `yaml:"retain" validate:"required,min=1"`
}

type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"required,gt=0"`
	ReadConsistency string        `yaml:"read_consistency" validate:"required,oneof=linearizable sequential"`
}

type ZooKeeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers" validate:"required_if=Enabled true,dive,hostname_port"`
	Root           string        `yaml:"root" validate:"required_if=Enabled true"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type ClientConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" validate:"required,gt=0"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"required,gt=0"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Address:           "127.0.0.1:5000",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Raft: RaftConfig{
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		Snapshot: SnapshotConfig{
			Entries:        10000,
			Interval:       time.Minute,
			CatchUpEntries: 1000,
			Retain:         3,
		},
		Session: SessionConfig{
			Timeout:         5 * time.Second,
			ReadConsistency: "linearizable",
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/raftmap",
			SessionTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			OperationTimeout: 5 * time.Second,
			RetryDelay:       100 * time.Millisecond,
		},
	}
}

// Load reads a YAML config on top of Default. A missing file is not an
// error: the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AdvertiseURL is the base URL the node announces to peers.
func (c ServerConfig) AdvertiseURL() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return "http://" + c.Address
}

// DefaultDataDir derives a per-address storage directory, so several nodes
// can share a working directory.
func (c ServerConfig) DefaultDataDir() string {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return strings.NewReplacer(":", "_", "/", "_").Replace(c.Address) + "_logs"
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host + "_" + port + "_logs"
}
