package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/messagerie/server/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultHistoryPageSize = 20
	DefaultCacheSize       = 50
	DefaultCacheTTL        = time.Hour
	DefaultEditWindow      = 15 * time.Minute
	DefaultPurgeAfter      = 720 * time.Hour // 30 days
	DefaultPurgeCron       = "@hourly"
)

// Config is the global configuration object which is filled via the configuration file
type Config struct {
	ServerConfig      ServerConfig      `mapstructure:"server"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	CacheConfig       CacheConfig       `mapstructure:"cache"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	PresenceConfig    PresenceConfig    `mapstructure:"presence"`
	RetentionConfig   RetentionConfig   `mapstructure:"retention"`
	LogLevel          string            `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	SSLCert string `mapstructure:"ssl_cert"`
	SSLKey  string `mapstructure:"ssl_key"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to
// authenticate users. Users provide an ID token and the name of the provider,
// the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// PersistenceConfig configures the durable store. Type is "sqlite" or
// "postgres".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// CacheConfig configures the recent-message cache backend. Type is "redis" or
// "buntdb"; an empty type disables the cache (every read is a miss).
type CacheConfig struct {
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`  // redis
	Path string `mapstructure:"path"` // buntdb, ":memory:" for in-process only
}

// HistoryConfig sizes the first history page and the per-room recent-message
// cache.
type HistoryConfig struct {
	PageSize  int           `mapstructure:"page_size"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// PresenceConfig tunes presence announcements. OfflineGrace > 0 delays the
// offline announcement after the last session of a user drops, so a quick
// reconnect does not flap presence.
type PresenceConfig struct {
	OfflineGrace time.Duration `mapstructure:"offline_grace"`
}

// RetentionConfig controls the message edit window and the physical purge of
// soft-deleted messages.
type RetentionConfig struct {
	EditWindow time.Duration `mapstructure:"edit_window"`
	PurgeAfter time.Duration `mapstructure:"purge_after"`
	PurgeCron  string        `mapstructure:"purge_cron"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE|DEBUG|INFO|WARN|ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("server.addr", "localhost:8000")
	viper.SetDefault("history.page_size", DefaultHistoryPageSize)
	viper.SetDefault("history.cache_size", DefaultCacheSize)
	viper.SetDefault("history.cache_ttl", DefaultCacheTTL)
	viper.SetDefault("presence.offline_grace", time.Duration(0))
	viper.SetDefault("retention.edit_window", DefaultEditWindow)
	viper.SetDefault("retention.purge_after", DefaultPurgeAfter)
	viper.SetDefault("retention.purge_cron", DefaultPurgeCron)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("MESSAGERIE")
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
			fileContents, err := os.ReadFile(configFile)
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
	return &cfg, nil
}
