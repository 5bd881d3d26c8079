package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/overlap/internal/cluster"
	"github.com/dreamware/overlap/internal/wire"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, NewRouter().Validate())
	assert.NoError(t, NewClient().Validate())

	// A shard needs a data source before it is usable.
	s := NewShard()
	assert.Error(t, s.Validate())
	s.Schedules = "a.txt"
	assert.NoError(t, s.Validate())
}

func TestLoadRouter(t *testing.T) {
	path := writeFile(t, `
client-addr = "0.0.0.0:9000"
protocol = "legacy"
await-timeout = "1.5s"

[[shards]]
id = "east"
addr = "10.0.0.1:7000"

[logging]
format = "json"
level = "debug"
`)

	c := NewRouter()
	require.NoError(t, Load(path, &c))

	assert.Equal(t, "0.0.0.0:9000", c.ClientAddr)
	assert.Equal(t, DefaultRouterAddr, c.ShardAddr)
	assert.Equal(t, Duration(1500*time.Millisecond), c.AwaitTimeout)
	assert.Equal(t, []cluster.ShardInfo{{ID: "east", Addr: "10.0.0.1:7000"}}, c.Shards)
	assert.Equal(t, "json", c.Logging.Format)
	assert.Equal(t, zapcore.DebugLevel, c.Logging.Level)

	rc := c.RouterConfig()
	assert.Equal(t, wire.Legacy, rc.Protocol)
	assert.Equal(t, 1500*time.Millisecond, rc.AwaitTimeout)
}

func TestLoadErrors(t *testing.T) {
	c := NewRouter()
	assert.NoError(t, Load("", &c))

	err := Load(writeFile(t, `clinet-addr = "x"`), &c)
	assert.ErrorContains(t, err, "unknown keys clinet-addr")

	err = Load(writeFile(t, `await-timeout = "soon"`), &c)
	assert.ErrorContains(t, err, "invalid duration")

	err = Load(filepath.Join(t.TempDir(), "missing.toml"), &c)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Router)
		want   string
	}{
		{name: "protocol", modify: func(c *Router) { c.Protocol = "json" }, want: "json"},
		{name: "negative timeout", modify: func(c *Router) { c.AwaitTimeout = -1 }, want: "await-timeout"},
		{name: "no shards", modify: func(c *Router) { c.Shards = nil }, want: "at least one shard"},
		{
			name: "duplicate shard",
			modify: func(c *Router) {
				c.Shards = []cluster.ShardInfo{{ID: "A", Addr: "x:1"}, {ID: "A", Addr: "x:2"}}
			},
			want: `duplicate shard id "A"`,
		},
		{name: "missing addr", modify: func(c *Router) { c.ClientAddr = "" }, want: "client-addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRouter()
			tt.modify(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}

	s := NewShard()
	s.Schedules, s.Database = "a.txt", "a.db"
	assert.ErrorContains(t, s.Validate(), "exactly one")
}

func TestApply(t *testing.T) {
	newFlags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("router", pflag.ContinueOnError)
		fs.String("client-addr", DefaultClientAddr, "")
		fs.String("protocol", "tagged", "")
		fs.Duration("await-timeout", 0, "")
		fs.StringSlice("shard", nil, "")
		fs.String("log-level", "info", "")
		return fs
	}

	t.Run("unset flags keep file values", func(t *testing.T) {
		fs := newFlags()
		require.NoError(t, fs.Parse(nil))
		v, err := NewViper("ROUTER", fs)
		require.NoError(t, err)

		c := NewRouter()
		c.ClientAddr = "from-file:1"
		require.NoError(t, c.Apply(v))
		assert.Equal(t, "from-file:1", c.ClientAddr)
		assert.Len(t, c.Shards, 2)
	})

	t.Run("set flags override", func(t *testing.T) {
		fs := newFlags()
		require.NoError(t, fs.Parse([]string{
			"--client-addr", "flag:1",
			"--await-timeout", "2s",
			"--shard", "A=127.0.0.1:1",
			"--log-level", "error",
		}))
		v, err := NewViper("ROUTER", fs)
		require.NoError(t, err)

		c := NewRouter()
		require.NoError(t, c.Apply(v))
		assert.Equal(t, "flag:1", c.ClientAddr)
		assert.Equal(t, Duration(2*time.Second), c.AwaitTimeout)
		assert.Equal(t, []cluster.ShardInfo{{ID: "A", Addr: "127.0.0.1:1"}}, c.Shards)
		assert.Equal(t, zapcore.ErrorLevel, c.Logging.Level)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("ROUTER_PROTOCOL", "legacy")
		t.Setenv("ROUTER_AWAIT_TIMEOUT", "250ms")

		fs := newFlags()
		require.NoError(t, fs.Parse(nil))
		v, err := NewViper("ROUTER", fs)
		require.NoError(t, err)

		c := NewRouter()
		require.NoError(t, c.Apply(v))
		assert.Equal(t, "legacy", c.Protocol)
		assert.Equal(t, Duration(250*time.Millisecond), c.AwaitTimeout)
	})

	t.Run("bad log level", func(t *testing.T) {
		fs := newFlags()
		require.NoError(t, fs.Parse([]string{"--log-level", "loud"}))
		v, err := NewViper("ROUTER", fs)
		require.NoError(t, err)

		c := NewRouter()
		assert.ErrorContains(t, c.Apply(v), `invalid log-level "loud"`)
	})

	t.Run("bad shard flag", func(t *testing.T) {
		fs := newFlags()
		require.NoError(t, fs.Parse([]string{"--shard", "noequals"}))
		v, err := NewViper("ROUTER", fs)
		require.NoError(t, err)

		c := NewRouter()
		assert.Error(t, c.Apply(v))
	})
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, Duration(90*time.Second), d)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))

	require.NoError(t, d.UnmarshalText(nil))
	assert.Equal(t, Duration(90*time.Second), d)
}
