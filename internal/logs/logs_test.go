package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("trace"))
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.EnableConsole = false
	cfg.EnableFile = true
	cfg.LogDir = dir
	cfg.Filename = "test.log"

	logger, err := SetupLogger(cfg, nil)
	require.NoError(t, err)
	logger.Info("hello from test", zap.String("component", "logs"))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), "component")
}

func TestSetupLoggerNoOutputs(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.EnableConsole = false
	cfg.EnableFile = false

	_, err := SetupLogger(cfg, nil)
	require.Error(t, err)
}

func TestCreateHTTPLoggerDisabled(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.EnableFile = false

	logger, err := CreateHTTPLogger(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestRedactorMasksSecretsAndAuthKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRedactor()
	r.Register("s3cr3t-value-123")

	logger := zap.New(r.Wrap(core))
	logger.Info("landing https://localhost:1/landing?authKey=abcdefghijklmnopqrstuvwxyz012345",
		zap.String("cookie", "Auth=abcdefghijklmnop; Path=/"),
		zap.String("token", "s3cr3t-value-123"))
	logger.With(zap.String("ctx", "s3cr3t-value-123")).Info("child")

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0]
	assert.NotContains(t, first.Message, "abcdefghijklmnopqrstuvwxyz012345")
	assert.Contains(t, first.Message, "authKey=****")
	fields := first.ContextMap()
	assert.Equal(t, "Auth=****; Path=/", fields["cookie"])
	assert.Equal(t, "s3c***23", fields["token"])

	assert.False(t, strings.Contains(entries[1].ContextMap()["ctx"].(string), "s3cr3t-value-123"))

	r.Unregister("s3cr3t-value-123")
	assert.Equal(t, "s3cr3t-value-123", r.Redact("s3cr3t-value-123"))
}

func TestRedactorIgnoresShortValues(t *testing.T) {
	r := NewRedactor()
	r.Register("abc")
	assert.Equal(t, "abc", r.Redact("abc"))
}

func TestLogDirsPerOS(t *testing.T) {
	tests := []struct {
		goos     string
		expected []string
	}{
		{goos: osDarwin, expected: []string{"Library", "Logs", appDirName}},
		{goos: osLinux, expected: []string{appDirName, "logs"}},
		{goos: "plan9", expected: []string{"." + appDirName, "logs"}},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			dir, err := logDirFor(tt.goos)
			require.NoError(t, err)
			for _, part := range tt.expected {
				assert.Contains(t, dir, part)
			}
		})
	}
}

func TestLinuxLogDirHonoursXDGState(t *testing.T) {
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)

	dir, err := getLinuxLogDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(state, appDirName, "logs"), dir)
}

func TestWindowsLogDirUsesLocalAppData(t *testing.T) {
	t.Setenv("LOCALAPPDATA", filepath.Join("C:", "Users", "me", "AppData", "Local"))

	dir, err := getWindowsLogDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("C:", "Users", "me", "AppData", "Local", appDirName, "logs"), dir)
}

func TestGetLogFilePathWithDirCreatesDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "logs")
	path, err := GetLogFilePathWithDir(base, "main.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "main.log"), path)
	assert.DirExists(t, base)
}
