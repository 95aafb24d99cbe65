package log

import (
	"bytes"
	"flag"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestLevelFiltering(t *testing.T) {
	for _, tc := range []struct {
		level     string
		debugSeen bool
		infoSeen  bool
		warnSeen  bool
	}{
		{level: "debug", debugSeen: true, infoSeen: true, warnSeen: true},
		{level: "info", infoSeen: true, warnSeen: true},
		{level: "warn", warnSeen: true},
		{level: "error"},
	} {
		t.Run(tc.level, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, cfg.Level.Set(tc.level))
			require.NoError(t, cfg.Format.Set("logfmt"))

			buf := &bytes.Buffer{}
			l := NewLogger(cfg, buf)

			buf.Reset()
			_ = level.Debug(l).Log("msg", "debug")
			require.Equal(t, tc.debugSeen, buf.Len() > 0)

			buf.Reset()
			_ = level.Info(l).Log("msg", "info")
			require.Equal(t, tc.infoSeen, buf.Len() > 0)

			buf.Reset()
			_ = level.Warn(l).Log("msg", "warn")
			require.Equal(t, tc.warnSeen, buf.Len() > 0)
		})
	}
}

func TestInvalidLevelAndFormat(t *testing.T) {
	var lvl Level
	require.Error(t, lvl.Set("verbose"))

	var format Format
	require.Error(t, format.Set("xml"))
}

func TestConfigFlagsAndYAML(t *testing.T) {
	cfg := Config{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.Equal(t, "info", cfg.Level.String())
	require.Equal(t, "logfmt", cfg.Format.String())

	require.NoError(t, yaml.Unmarshal([]byte("level: debug\nformat: json\n"), &cfg))
	require.Equal(t, "debug", cfg.Level.String())
	require.Equal(t, "json", cfg.Format.String())

	buf := &bytes.Buffer{}
	_ = NewLogger(&cfg, buf).Log("msg", "hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
}
