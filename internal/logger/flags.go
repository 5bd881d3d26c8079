package logger

import "github.com/spf13/pflag"

// AddFlags registers --log-format and --log-level on fs with c as defaults.
// Both are plain strings; the level is parsed when the configuration is
// applied, so a config file value survives an unset flag.
func AddFlags(fs *pflag.FlagSet, c Config) {
	fs.String("log-format", c.Format, "log format: auto, console, logfmt or json")
	fs.String("log-level", c.Level.String(), "minimum level: debug, info, warn or error")
}
