package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"WARNING", WARN, false},
		{"error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"4096", 4096, false},
		{"4KB", 4096, false},
		{"64K", 65536, false},
		{"1GB", 1 << 30, false},
		{"1.5M", 3 << 19, false},
		{"2 TB", 2 << 40, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-4KB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBytes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "4.0 KB", FormatBytes(4096))
	assert.Equal(t, "1.0 GB", FormatBytes(1<<30))
}

func TestStructuredLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  INFO,
		Output: &buf,
		Format: FormatText,
	})
	require.NoError(t, err)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at INFO")

	logger.Info("cache expanded", map[string]interface{}{"cells": 64})
	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "cache expanded")
	assert.Contains(t, out, "cells=64")
}

func TestStructuredLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  DEBUG,
		Output: &buf,
		Format: FormatJSON,
	})
	require.NoError(t, err)

	logger.WithComponent("flusher").Warn("pending flushes high", map[string]interface{}{"pending": 128})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "pending flushes high", entry.Message)
	assert.EqualValues(t, 128, entry.Fields["pending"])
	assert.Equal(t, "flusher", entry.Fields["component"])
}

func TestStructuredLogger_ComponentLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  INFO,
		Output: &buf,
	})
	require.NoError(t, err)

	logger.SetComponentLevel("cache", DEBUG)
	cacheLog := logger.WithComponent("cache")
	otherLog := logger.WithComponent("mapper")

	cacheLog.Debug("visible")
	otherLog.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "visible")
	assert.False(t, strings.Contains(out, "hidden"))
}

func TestStructuredLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf})
	require.NoError(t, err)

	_ = parent.WithField("node", 1)
	parent.Info("plain")
	assert.NotContains(t, buf.String(), "node=")
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NotNil(t, logger)
	logger.Error("dropped")
}
