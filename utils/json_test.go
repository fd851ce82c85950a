package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendConfig struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Timeout time.Duration `json:"timeout"`
}

func TestUnmarshalConfig(t *testing.T) {
	t.Run("from yaml map", func(t *testing.T) {
		var cfg backendConfig
		require.NoError(t, UnmarshalConfig(map[string]interface{}{
			"host":    "localhost",
			"port":    6379,
			"timeout": int64(90 * 24 * time.Hour),
		}, &cfg))

		assert.Equal(t, backendConfig{Host: "localhost", Port: 6379, Timeout: 90 * 24 * time.Hour}, cfg)
	})

	t.Run("from typed pointer", func(t *testing.T) {
		var cfg backendConfig
		require.NoError(t, UnmarshalConfig(&backendConfig{Host: "db"}, &cfg))
		assert.Equal(t, "db", cfg.Host)
	})

	t.Run("nil", func(t *testing.T) {
		var cfg backendConfig
		assert.Error(t, UnmarshalConfig(nil, &cfg))
	})
}
