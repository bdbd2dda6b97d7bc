package log_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/dukex/sellerops/pkg/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}

	for name, want := range tests {
		assert.Equal(t, want, log.ParseLevel(name), name)
	}
}

func TestWithModule(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	var buf bytes.Buffer
	log.SetupWriter(&buf, "debug", "json")

	log.WithModule("jobs").Debug("claimed", "job_id", "job-1")

	assert.Contains(t, buf.String(), `"module":"jobs"`)
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)
}
