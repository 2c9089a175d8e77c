package config

import (
	"fmt"
	"time"

	"replsvc/pkg/dberrors"
)

// Config - root of the monitor configuration
// yaml and validate tags describe parsing and validation

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Paxos     PaxosConfig     `yaml:"paxos" validate:"required"`
	Store     StoreConfig     `yaml:"store" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// PaxosConfig tunes proposal damping and trimming of every replicated service.
type PaxosConfig struct {
	ProposeInterval time.Duration `yaml:"propose_interval" validate:"required"`
	MinWait         time.Duration `yaml:"min_wait" validate:"required"`
	TrimMin         uint64        `yaml:"trim_min"`
	TrimMax         uint64        `yaml:"trim_max"`
	KeepVersions    uint64        `yaml:"keep_versions" validate:"required,min=1"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=mem bolt badger"`
	Path    string `yaml:"path"`
}

type ZookeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Paxos: PaxosConfig{
			ProposeInterval: time.Second,
			MinWait:         50 * time.Millisecond,
			TrimMin:         250,
			TrimMax:         500,
			KeepVersions:    500,
		},
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "./data",
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			TickInterval:              100 * time.Millisecond,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
		},
		Zookeeper: ZookeeperConfig{
			Root: "/replsvc",
		},
	}
}

// Validate checks what the yaml tags promise.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("%w: http-server.port %d", dberrors.ErrInvalidArgument, c.Server.Port)
	case c.Paxos.ProposeInterval <= 0:
		return fmt.Errorf("%w: paxos.propose_interval must be positive", dberrors.ErrInvalidArgument)
	case c.Paxos.MinWait <= 0:
		return fmt.Errorf("%w: paxos.min_wait must be positive", dberrors.ErrInvalidArgument)
	case c.Paxos.KeepVersions == 0:
		return fmt.Errorf("%w: paxos.keep_versions must be at least 1", dberrors.ErrInvalidArgument)
	}

	switch c.Store.Backend {
	case "mem":
	case "bolt", "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for %s", dberrors.ErrInvalidArgument, c.Store.Backend)
		}
	default:
		return fmt.Errorf("%w: store.backend %q", dberrors.ErrInvalidArgument, c.Store.Backend)
	}

	return c.Raft.Validate()
}
