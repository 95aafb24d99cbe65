package flagext

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringSlice(t *testing.T) {
	var v StringSlice
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&v, "endpoints", "")

	require.NoError(t, fs.Parse([]string{"-endpoints", "a:1, b:2", "-endpoints", "c:3"}))
	require.Equal(t, StringSlice{"a:1", "b:2", "c:3"}, v)
	require.Equal(t, "[a:1 b:2 c:3]", v.String())
}

type testConfig struct {
	Value int
}

func (c *testConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.Value, "test.value", 42, "")
}

func TestDefaultValues(t *testing.T) {
	cfg := testConfig{}
	DefaultValues(&cfg)
	require.Equal(t, 42, cfg.Value)
}
