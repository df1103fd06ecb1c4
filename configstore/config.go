// Package configstore collects the engine's tunable parameters into one
// EngineConfig and, optionally, loads overrides for them from a TOML
// file or environment variables via github.com/spf13/viper — mirroring
// the teacher's cli/pkg/config package. Unlike the teacher's CLI, which
// always reads a config file from a platform directory, the engine
// never requires a file to exist: Default returns a fully usable
// EngineConfig for a host embedding the library directly (e.g. a
// browser bundle with no filesystem), and Load is purely opt-in for
// hosts that want file/env based overrides.
package configstore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/usethreadkit/threadkit-go/socketclient"
	"github.com/usethreadkit/threadkit-go/transport"
)

// EngineConfig holds every tunable referenced by spec.md: transport
// endpoints, socket timing, and the outbound rate limit. The literal
// defaults below match spec.md §4.6/§5's stated parameters.
type EngineConfig struct {
	APIBaseURL string
	SocketURL  string
	UserAgent  string

	HeartbeatInterval   time.Duration
	IdleTimeout         time.Duration
	IdleCheckInterval   time.Duration
	TypingSweepInterval time.Duration

	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	OutboundRateLimit float64 // messages/sec
	OutboundRateBurst int

	EchoTTL time.Duration
}

// Default returns spec.md's literal timing parameters with no API or
// socket URL set; a host must supply those before constructing a
// Transport or socketclient.Client.
func Default() EngineConfig {
	return EngineConfig{
		HeartbeatInterval:   30 * time.Second,
		IdleTimeout:         90 * time.Second,
		IdleCheckInterval:   time.Second,
		TypingSweepInterval: 500 * time.Millisecond,

		BackoffBase:       time.Second,
		BackoffCap:        30 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,

		OutboundRateLimit: 10,
		OutboundRateBurst: 10,

		EchoTTL: 30 * time.Second,
	}
}

// Load returns Default() overridden by any values set in a TOML file
// at configPath (skipped entirely if configPath is empty or the file
// does not exist) and then by THREADKIT_-prefixed environment
// variables (e.g. THREADKIT_API_BASEURL). A malformed config file is
// an error; a missing one is not.
func Load(configPath string) (EngineConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")
	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix("threadkit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return EngineConfig{}, fmt.Errorf("configstore: reading %s: %w", configPath, err)
			}
		}
	}

	return EngineConfig{
		APIBaseURL: v.GetString("api.baseurl"),
		SocketURL:  v.GetString("api.socketurl"),
		UserAgent:  v.GetString("api.useragent"),

		HeartbeatInterval:   v.GetDuration("socket.heartbeatinterval"),
		IdleTimeout:         v.GetDuration("socket.idletimeout"),
		IdleCheckInterval:   v.GetDuration("socket.idlecheckinterval"),
		TypingSweepInterval: v.GetDuration("socket.typingsweepinterval"),

		BackoffBase:       v.GetDuration("socket.backoffbase"),
		BackoffCap:        v.GetDuration("socket.backoffcap"),
		BackoffMultiplier: v.GetFloat64("socket.backoffmultiplier"),
		BackoffJitter:     v.GetFloat64("socket.backoffjitter"),

		OutboundRateLimit: v.GetFloat64("socket.outboundratelimit"),
		OutboundRateBurst: v.GetInt("socket.outboundrateburst"),

		EchoTTL: v.GetDuration("reconciler.echottl"),
	}, nil
}

func setDefaults(v *viper.Viper, d EngineConfig) {
	v.SetDefault("api.baseurl", d.APIBaseURL)
	v.SetDefault("api.socketurl", d.SocketURL)
	v.SetDefault("api.useragent", d.UserAgent)

	v.SetDefault("socket.heartbeatinterval", d.HeartbeatInterval)
	v.SetDefault("socket.idletimeout", d.IdleTimeout)
	v.SetDefault("socket.idlecheckinterval", d.IdleCheckInterval)
	v.SetDefault("socket.typingsweepinterval", d.TypingSweepInterval)

	v.SetDefault("socket.backoffbase", d.BackoffBase)
	v.SetDefault("socket.backoffcap", d.BackoffCap)
	v.SetDefault("socket.backoffmultiplier", d.BackoffMultiplier)
	v.SetDefault("socket.backoffjitter", d.BackoffJitter)

	v.SetDefault("socket.outboundratelimit", d.OutboundRateLimit)
	v.SetDefault("socket.outboundrateburst", d.OutboundRateBurst)

	v.SetDefault("reconciler.echottl", d.EchoTTL)
}

// TransportConfig builds a transport.Config for apiKey/token from c.
func (c EngineConfig) TransportConfig(apiKey, token string) transport.Config {
	return transport.Config{
		BaseURL:   c.APIBaseURL,
		APIKey:    apiKey,
		Token:     token,
		UserAgent: c.UserAgent,
	}
}

// SocketConfig builds a socketclient.Config for projectID/token from c.
func (c EngineConfig) SocketConfig(projectID, token string) socketclient.Config {
	return socketclient.Config{
		URL:       c.SocketURL,
		ProjectID: projectID,
		Token:     token,

		HeartbeatInterval:   c.HeartbeatInterval,
		IdleTimeout:         c.IdleTimeout,
		IdleCheckInterval:   c.IdleCheckInterval,
		TypingSweepInterval: c.TypingSweepInterval,

		Backoff: socketclient.NewBackoff(c.BackoffBase, c.BackoffCap, c.BackoffMultiplier, c.BackoffJitter),

		RateLimit: rate.Limit(c.OutboundRateLimit),
		RateBurst: c.OutboundRateBurst,
	}
}
