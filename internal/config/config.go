// Package config holds the file, flag and environment configuration of the
// router, shard and client binaries.
//
// Each binary starts from its NewXxx defaults, decodes an optional TOML file
// over them, and finally applies every flag or environment variable that was
// explicitly set. Flags left at their defaults never override the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/overlap/internal/cluster"
	"github.com/dreamware/overlap/internal/logger"
	"github.com/dreamware/overlap/internal/router"
	"github.com/dreamware/overlap/internal/wire"
)

// Default addresses.
const (
	DefaultClientAddr = "127.0.0.1:24984"
	DefaultRouterAddr = "127.0.0.1:23984"
	DefaultShardAAddr = "127.0.0.1:21984"
	DefaultShardBAddr = "127.0.0.1:22984"
)

// Router is the router configuration.
type Router struct {
	ClientAddr     string              `toml:"client-addr"`
	ShardAddr      string              `toml:"shard-addr"`
	AdminAddr      string              `toml:"admin-addr"`
	Protocol       string              `toml:"protocol"`
	AwaitTimeout   Duration            `toml:"await-timeout"`
	HealthInterval Duration            `toml:"health-interval"`
	StallAfter     Duration            `toml:"stall-after"`
	Shards         []cluster.ShardInfo `toml:"shards"`
	Logging        logger.Config       `toml:"logging"`
}

// NewRouter returns a Router config with the two-shard defaults.
func NewRouter() Router {
	return Router{
		ClientAddr:     DefaultClientAddr,
		ShardAddr:      DefaultRouterAddr,
		Protocol:       string(wire.Tagged),
		HealthInterval: Duration(5 * time.Second),
		StallAfter:     Duration(30 * time.Second),
		Shards: []cluster.ShardInfo{
			{ID: "A", Addr: DefaultShardAAddr},
			{ID: "B", Addr: DefaultShardBAddr},
		},
		Logging: logger.NewConfig(),
	}
}

// Validate reports every problem with the configuration.
func (c Router) Validate() error {
	var err error
	if c.ClientAddr == "" {
		err = multierr.Append(err, errors.New("client-addr is required"))
	}
	if c.ShardAddr == "" {
		err = multierr.Append(err, errors.New("shard-addr is required"))
	}
	if _, perr := wire.ParseProtocol(c.Protocol); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.AwaitTimeout < 0 {
		err = multierr.Append(err, errors.New("await-timeout must not be negative"))
	}
	if len(c.Shards) == 0 {
		err = multierr.Append(err, errors.New("at least one shard is required"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Shards {
		if s.ID == "" || s.Addr == "" {
			err = multierr.Append(err, fmt.Errorf("shard %+v: id and addr are required", s))
		}
		if seen[s.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate shard id %q", s.ID))
		}
		seen[s.ID] = true
	}
	return err
}

// RouterConfig converts c to the router package's settings.
func (c Router) RouterConfig() router.Config {
	return router.Config{
		ClientAddr:     c.ClientAddr,
		ShardAddr:      c.ShardAddr,
		AdminAddr:      c.AdminAddr,
		Shards:         c.Shards,
		Protocol:       wire.Protocol(c.Protocol),
		AwaitTimeout:   time.Duration(c.AwaitTimeout),
		HealthInterval: time.Duration(c.HealthInterval),
		StallAfter:     time.Duration(c.StallAfter),
	}
}

// Apply overrides c with every explicitly set value in v.
func (c *Router) Apply(v *viper.Viper) error {
	setString(v, "client-addr", &c.ClientAddr)
	setString(v, "shard-addr", &c.ShardAddr)
	setString(v, "admin-addr", &c.AdminAddr)
	setString(v, "protocol", &c.Protocol)
	setDuration(v, "await-timeout", &c.AwaitTimeout)
	setDuration(v, "health-interval", &c.HealthInterval)
	setDuration(v, "stall-after", &c.StallAfter)
	if v.IsSet("shard") {
		var shards []cluster.ShardInfo
		for _, s := range v.GetStringSlice("shard") {
			info, err := cluster.ParseShardInfo(s)
			if err != nil {
				return err
			}
			shards = append(shards, info)
		}
		c.Shards = shards
	}
	return applyLogging(v, &c.Logging)
}

// Shard is the shard server configuration.
type Shard struct {
	ID            string        `toml:"id"`
	Addr          string        `toml:"addr"`
	RouterAddr    string        `toml:"router-addr"`
	Schedules     string        `toml:"schedules"`
	Database      string        `toml:"database"`
	Protocol      string        `toml:"protocol"`
	AnnounceEvery Duration      `toml:"announce-every"`
	Logging       logger.Config `toml:"logging"`
}

// NewShard returns the configuration of shard A.
func NewShard() Shard {
	return Shard{
		ID:         "A",
		Addr:       DefaultShardAAddr,
		RouterAddr: DefaultRouterAddr,
		Protocol:   string(wire.Tagged),
		Logging:    logger.NewConfig(),
	}
}

// Validate reports every problem with the configuration.
func (c Shard) Validate() error {
	var err error
	if c.ID == "" {
		err = multierr.Append(err, errors.New("id is required"))
	}
	if c.Addr == "" {
		err = multierr.Append(err, errors.New("addr is required"))
	}
	if c.RouterAddr == "" {
		err = multierr.Append(err, errors.New("router-addr is required"))
	}
	if (c.Schedules == "") == (c.Database == "") {
		err = multierr.Append(err, errors.New("exactly one of schedules or database is required"))
	}
	if _, perr := wire.ParseProtocol(c.Protocol); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.AnnounceEvery < 0 {
		err = multierr.Append(err, errors.New("announce-every must not be negative"))
	}
	return err
}

// Apply overrides c with every explicitly set value in v.
func (c *Shard) Apply(v *viper.Viper) error {
	setString(v, "id", &c.ID)
	setString(v, "addr", &c.Addr)
	setString(v, "router-addr", &c.RouterAddr)
	setString(v, "schedules", &c.Schedules)
	setString(v, "database", &c.Database)
	setString(v, "protocol", &c.Protocol)
	setDuration(v, "announce-every", &c.AnnounceEvery)
	return applyLogging(v, &c.Logging)
}

// Client is the interactive client configuration.
type Client struct {
	RouterAddr   string        `toml:"router-addr"`
	Protocol     string        `toml:"protocol"`
	DialTimeout  Duration      `toml:"dial-timeout"`
	ReplyTimeout Duration      `toml:"reply-timeout"`
	Logging      logger.Config `toml:"logging"`
}

// NewClient returns the client defaults.
func NewClient() Client {
	logging := logger.NewConfig()
	logging.Level = zapcore.WarnLevel
	return Client{
		RouterAddr:  DefaultClientAddr,
		Protocol:    string(wire.Tagged),
		DialTimeout: Duration(5 * time.Second),
		Logging:     logging,
	}
}

// Validate reports every problem with the configuration.
func (c Client) Validate() error {
	var err error
	if c.RouterAddr == "" {
		err = multierr.Append(err, errors.New("router-addr is required"))
	}
	if _, perr := wire.ParseProtocol(c.Protocol); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.DialTimeout < 0 || c.ReplyTimeout < 0 {
		err = multierr.Append(err, errors.New("timeouts must not be negative"))
	}
	return err
}

// Apply overrides c with every explicitly set value in v.
func (c *Client) Apply(v *viper.Viper) error {
	setString(v, "router-addr", &c.RouterAddr)
	setString(v, "protocol", &c.Protocol)
	setDuration(v, "dial-timeout", &c.DialTimeout)
	setDuration(v, "reply-timeout", &c.ReplyTimeout)
	return applyLogging(v, &c.Logging)
}

// Load decodes the TOML file at path over dst. An empty path leaves dst
// unchanged. Keys that match no field are an error.
func Load(path string, dst any) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, dst)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("parse %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// NewViper returns a viper instance reading fs and environment variables
// named PREFIX_FLAG_NAME.
func NewViper(prefix string, fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *Duration) {
	if v.IsSet(key) {
		*dst = Duration(v.GetDuration(key))
	}
}

func applyLogging(v *viper.Viper, c *logger.Config) error {
	setString(v, "log-format", &c.Format)
	if v.IsSet("log-level") {
		if err := c.Level.Set(v.GetString("log-level")); err != nil {
			return fmt.Errorf("invalid log-level %q; supported levels are debug, info, warn and error", v.GetString("log-level"))
		}
	}
	return nil
}
