package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		entry *log.Entry
		want  string
	}{
		{
			name:  "no fields",
			entry: &log.Entry{Time: ts, Level: log.InfoLevel, Message: "hello\n", Data: log.Fields{}},
			want:  "[2026-01-02 15:04:05] [--------] [info ] hello\n",
		},
		{
			name:  "warning is shortened",
			entry: &log.Entry{Time: ts, Level: log.WarnLevel, Message: "careful", Data: log.Fields{}},
			want:  "[2026-01-02 15:04:05] [--------] [warn ] careful\n",
		},
		{
			name: "request id and sorted fields",
			entry: &log.Entry{Time: ts, Level: log.ErrorLevel, Message: "failed", Data: log.Fields{
				"request_id": "abc123",
				"status":     502,
				"attempts":   3,
			}},
			want: "[2026-01-02 15:04:05] [abc123] [error] failed | attempts=3, status=502\n",
		},
	}

	f := &LogFormatter{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Format(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aiclient.log")
	require.NoError(t, Setup(Options{Level: "debug", File: path}))
	t.Cleanup(func() {
		Close()
		_ = Setup(Options{})
	})

	assert.Equal(t, log.DebugLevel, log.GetLevel())
	log.WithField("k", "v").Debug("written to file")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file | k=v")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	err := Setup(Options{Level: "chatty"})
	assert.Error(t, err)
}
