package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/sparksocial/spark-rtm/globals"
)

const (
	defaultHistorySize   = 20
	defaultDedupTTL      = 5 * time.Second
	defaultDedupSize     = 4096
	defaultLivenessGrace = 3 * time.Minute
)

// Config is the global configuration object which is filled via the configuration file
type Config struct {
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	RateLimitConfigs  []RateLimitConfig `mapstructure:"ratelimit"`
	DedupConfig       DedupConfig       `mapstructure:"dedup"`
	LivenessGrace     time.Duration     `mapstructure:"liveness_grace"`
	LogLevel          string            `mapstructure:"log_level"`
}

// HistoryConfig configures the number of recent messages replayed to a client
// when it joins a room.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", this is used to construct the discovery url and subsequently discover the openid endpoints
}

// PersistenceConfig configures the persistence backend. Type is one of
// "sqlite", "postgres" (both via gorm) or "buntdb".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// RateLimitConfig is one row of the per-event-kind admission table. Thresholds
// live here so operational tuning does not require touching call sites.
type RateLimitConfig struct {
	Kind     string        `mapstructure:"kind"`
	Interval time.Duration `mapstructure:"interval"`
	Burst    int           `mapstructure:"burst"`
}

// DedupConfig bounds the idempotency cache used for message submissions.
type DedupConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("SPARKRTM")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	cfg.applyDefaults()

	globals.AppLogger.Debug("config", "cfg", cfg, "all", viper.AllSettings())
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HistoryConfig.HistorySize <= 0 {
		cfg.HistoryConfig.HistorySize = defaultHistorySize
	}
	if cfg.DedupConfig.TTL <= 0 {
		cfg.DedupConfig.TTL = defaultDedupTTL
	}
	if cfg.DedupConfig.Size <= 0 {
		cfg.DedupConfig.Size = defaultDedupSize
	}
	if cfg.LivenessGrace <= 0 {
		cfg.LivenessGrace = defaultLivenessGrace
	}
}
