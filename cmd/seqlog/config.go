package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/drpcorg/seqlog/identity"
)

// Config is the replica's TOML file:
//
//	dir = "alice.db"
//	name = "alice"
//	seed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
//	log_level = "info"
//	listen = ["tcp://:4000"]
//	connect = ["tcp://bob.local:4000"]
//	metrics = ":9090"
type Config struct {
	Dir      string   `toml:"dir"`
	Name     string   `toml:"name"`
	Seed     string   `toml:"seed"`
	LogLevel string   `toml:"log_level"`
	Listen   []string `toml:"listen"`
	Connect  []string `toml:"connect"`
	Metrics  string   `toml:"metrics"`

	WriteTimeout duration `toml:"write_timeout"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

func DefaultConfig() *Config {
	return &Config{
		Dir:          "seqlog.db",
		Name:         "seqlog",
		LogLevel:     "warn",
		WriteTimeout: duration{30 * time.Second},
	}
}

// LoadConfig reads path over the defaults. An empty path means defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", path, err)
	}
	return conf, nil
}

func (c *Config) Level() (level slog.Level, err error) {
	err = level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel)))
	return
}

// KeyPair derives the replica's signing key from the seed, or makes a
// fresh one when no seed is set.
func (c *Config) KeyPair() (*identity.KeyPair, error) {
	if c.Seed == "" {
		return identity.GenerateKeyPair(rand.Reader)
	}
	seed, err := hex.DecodeString(c.Seed)
	if err != nil {
		return nil, fmt.Errorf("bad seed: %w", err)
	}
	return identity.KeyPairFromSeed(seed)
}
