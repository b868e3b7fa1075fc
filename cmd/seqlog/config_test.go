package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqlog.toml")
	err := os.WriteFile(path, []byte(`
dir = "alice.db"
name = "alice"
seed = "0101010101010101010101010101010101010101010101010101010101010101"
log_level = "debug"
listen = ["tcp://:4000"]
write_timeout = "5s"
`), 0o644)
	assert.NoError(t, err)

	conf, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "alice.db", conf.Dir)
	assert.Equal(t, "alice", conf.Name)
	assert.Equal(t, []string{"tcp://:4000"}, conf.Listen)
	assert.Empty(t, conf.Connect)
	assert.Equal(t, 5*time.Second, conf.WriteTimeout.Duration)

	level, err := conf.Level()
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	kp1, err := conf.KeyPair()
	assert.NoError(t, err)
	kp2, err := conf.KeyPair()
	assert.NoError(t, err)
	assert.Equal(t, kp1.Identity(), kp2.Identity())
}

func TestLoadConfig_Defaults(t *testing.T) {
	conf, err := LoadConfig("")
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig(), conf)

	level, err := conf.Level()
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	conf.Seed = "zz"
	_, err = conf.KeyPair()
	assert.Error(t, err)
}
