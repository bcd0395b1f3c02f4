// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// lockedBuffer is a goroutine safe write target for the console core.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Sync() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("console logger colorizes levels", func(t *testing.T) {
		ResetForTest()
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "relay",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Info("session started")
		Sync()

		text := out.String()
		assert.Contains(t, text, "INFO")
		assert.Contains(t, text, "session started")
		assert.Contains(t, text, "relay.")
		assert.Contains(t, text, colorGreen)
		assert.Contains(t, text, colorReset)
	})

	t.Run("json logger writes structured fields", func(t *testing.T) {
		ResetForTest()
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "relay"}, out)
		GetLogger().Warn("poll failed", zap.String("reason", "timeout"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out.String()), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "relay", entry["logger"])
		assert.Equal(t, "poll failed", entry["msg"])
		assert.Equal(t, "timeout", entry["reason"])
	})

	t.Run("level filter drops debug entries", func(t *testing.T) {
		ResetForTest()
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, out)
		GetLogger().Debug("noise")
		GetLogger().Info("more noise")
		Sync()

		assert.Empty(t, out.String())
	})

	t.Run("file core receives entries", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "relay.log")

		Initialize(config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logFile,
			MaxSize: 1,
		}, zapcore.AddSync(&lockedBuffer{}))
		GetLogger().Error("written to disk")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "written to disk")
	})

	t.Run("second initialization is ignored", func(t *testing.T) {
		ResetForTest()
		out := &lockedBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "second"}, out)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("hello")
		Sync()
		assert.Contains(t, out.String(), "first")
		assert.NotContains(t, out.String(), "second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
		assert.Nil(t, globalLogger.Load(), "fallback must not be stored globally")
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&lockedBuffer{}))
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
