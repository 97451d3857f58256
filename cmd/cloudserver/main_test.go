package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    flags
		wantErr bool
	}{
		{
			name: "defaults",
			want: flags{filtersDir: "filters", logLevel: "info", logFormat: "text"},
		},
		{
			name: "all set",
			args: []string{"--config-dir", "conf", "--filters-dir=f", "--log-level", "debug", "--log-format", "json"},
			want: flags{configDir: "conf", filtersDir: "f", logLevel: "debug", logFormat: "json"},
		},
		{name: "unknown flag", args: []string{"--port", "80"}, wantErr: true},
		{name: "positional argument", args: []string{"serve"}, wantErr: true},
		{name: "dir and file", args: []string{"--config-dir", "a", "--config", "b.json"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseFlags(tc.args, &bytes.Buffer{})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"--help"}, &out)
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, out.String(), "--filters-dir")
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger("warn", "json", &out)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "room", "104")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"room":"104"`)

	_, err = newLogger("loud", "text", &out)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &out)
	assert.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("room:\n  limits:\n    maxRooms: 3\n"), 0o644))
	t.Setenv("PORT", "9191")

	cfg, err := loadConfig(&flags{configFile: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Room.Limits.MaxRooms)
	assert.Equal(t, "9191", cfg.Server.Server.Port.String(), "environment still applies")
}

func TestRun_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run([]string{"--log-format", "xml"}, &out))
	assert.Error(t, run([]string{"--config", filepath.Join(t.TempDir(), "missing.json")}, &out))

	t.Setenv("PORT", "not-a-port")
	err := run([]string{"--config-dir", t.TempDir(), "--filters-dir", t.TempDir()}, &out)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid configuration"), err.Error())
}
