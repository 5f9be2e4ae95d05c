// Package config holds the settings of the bsserve daemon.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-bitswap-server/internal/defaults"
	"github.com/ipfs/go-bitswap-server/server"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable read by the daemon.
const EnvPrefix = "BSSERVE"

const (
	KeyListen              = "listen"
	KeyTargetMessageSize   = "target-message-size"
	KeyMaxReplaceSize      = "max-replace-size"
	KeyMaxOutstandingBytes = "max-outstanding-bytes"
	KeyBlockstoreWorkers   = "blockstore-workers"
	KeySendDontHaves       = "send-dont-haves"
	KeyLogLevel            = "log-level"
)

var ErrNoListenAddrs = errors.New("at least one listen address is required")

// Config is the effective daemon configuration.
type Config struct {
	Listen              []string `mapstructure:"listen"`
	TargetMessageSize   int      `mapstructure:"target-message-size"`
	MaxReplaceSize      int      `mapstructure:"max-replace-size"`
	MaxOutstandingBytes int      `mapstructure:"max-outstanding-bytes"`
	BlockstoreWorkers   int      `mapstructure:"blockstore-workers"`
	SendDontHaves       bool     `mapstructure:"send-dont-haves"`
	LogLevel            string   `mapstructure:"log-level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen:              []string{"/ip4/0.0.0.0/tcp/4005"},
		TargetMessageSize:   defaults.BitswapEngineTargetMessageSize,
		MaxReplaceSize:      defaults.BitswapMaxSizeReplaceHasWithBlock,
		MaxOutstandingBytes: defaults.BitswapMaxOutstandingBytesPerPeer,
		BlockstoreWorkers:   defaults.BitswapEngineBlockstoreWorkerCount,
		SendDontHaves:       true,
		LogLevel:            "info",
	}
}

// SetDefaults registers the defaults and the environment mapping on v.
// BSSERVE_TARGET_MESSAGE_SIZE overrides target-message-size and so on.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyListen, d.Listen)
	v.SetDefault(KeyTargetMessageSize, d.TargetMessageSize)
	v.SetDefault(KeyMaxReplaceSize, d.MaxReplaceSize)
	v.SetDefault(KeyMaxOutstandingBytes, d.MaxOutstandingBytes)
	v.SetDefault(KeyBlockstoreWorkers, d.BlockstoreWorkers)
	v.SetDefault(KeySendDontHaves, d.SendDontHaves)
	v.SetDefault(KeyLogLevel, d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every field, the server options panic on bad values.
func (c *Config) Validate() error {
	if len(c.Listen) == 0 {
		return ErrNoListenAddrs
	}
	for _, a := range c.Listen {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", a, err)
		}
	}
	if c.TargetMessageSize <= 0 {
		return fmt.Errorf("%s is %d but must be > 0", KeyTargetMessageSize, c.TargetMessageSize)
	}
	if c.MaxReplaceSize < 0 {
		return fmt.Errorf("%s is %d but must be >= 0", KeyMaxReplaceSize, c.MaxReplaceSize)
	}
	if c.MaxOutstandingBytes < 0 {
		return fmt.Errorf("%s is %d but must be >= 0", KeyMaxOutstandingBytes, c.MaxOutstandingBytes)
	}
	if c.BlockstoreWorkers <= 0 {
		return fmt.Errorf("%s is %d but must be > 0", KeyBlockstoreWorkers, c.BlockstoreWorkers)
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	return nil
}

// ServerOptions translates the configuration into server options.
func (c *Config) ServerOptions() []server.Option {
	return []server.Option{
		server.TargetMessageSize(c.TargetMessageSize),
		server.MaxSizeReplaceHasWithBlock(c.MaxReplaceSize),
		server.MaxOutstandingBytesPerPeer(c.MaxOutstandingBytes),
		server.EngineBlockstoreWorkerCount(c.BlockstoreWorkers),
		server.SetSendDontHaves(c.SendDontHaves),
	}
}
