package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tcriess/lightspeed-live/globals"
)

const (
	envPrefix         = "LSLIVE"
	defaultListen     = ":8375"
	defaultDBType     = "sqlite"
	defaultDBDSN      = "lightspeed-live.db"
	defaultPubSubType = "local"
)

// Config is the global configuration object which is filled via the configuration file, flags and
// LSLIVE_* environment variables.
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	Listen       string             `mapstructure:"listen"`
	EnvFile      string             `mapstructure:"env_file"`
	Workers      int64              `mapstructure:"workers"`
	Database     DatabaseConfig     `mapstructure:"database"`
	VersionStore VersionStoreConfig `mapstructure:"version_store"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Client       ClientConfig       `mapstructure:"client"`
	Roulette     RouletteConfig     `mapstructure:"roulette"`
	Calls        CallsConfig        `mapstructure:"calls"`
	Exhibition   ExhibitionConfig   `mapstructure:"exhibition"`
	OIDCConfigs  []OIDCConfig       `mapstructure:"oidc"`
}

// DatabaseConfig configures the gorm system of record. Type is "postgres" or "sqlite".
type DatabaseConfig struct {
	Type         string `mapstructure:"type"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// VersionStoreConfig selects where entity versions are shared: "sql" uses the database (required
// for more than one process), "buntdb" a local file or ":memory:".
type VersionStoreConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

// PubSubConfig selects the cross-process fan-out: "local" or "postgres" (LISTEN/NOTIFY, DSN defaults
// to the database DSN).
type PubSubConfig struct {
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
	// AllowedAge is the staleness accepted when delivering broadcasts.
	AllowedAge time.Duration `mapstructure:"allowed_age"`
	GrantsSize int           `mapstructure:"grants_size"`
}

type ClientConfig struct {
	SendBufferSize int   `mapstructure:"send_buffer_size"`
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// PresenceTTL is how long a connection counts towards the world's connection limit without being
	// renewed by its server.
	PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
	PresenceSchedule string        `mapstructure:"presence_schedule"`
}

type RouletteConfig struct {
	RequestTTL    time.Duration `mapstructure:"request_ttl"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	RecentWindow  time.Duration `mapstructure:"recent_window"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
}

type CallsConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type ExhibitionConfig struct {
	ContactTimeout time.Duration `mapstructure:"contact_timeout"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", this is used to construct the discovery url and subsequently discover the openid endpoints
	// TraitsClaim names the ID token claim carrying the user's traits.
	TraitsClaim string `mapstructure:"traits_claim"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("listen", "l", "", "address to listen on")
	flagSet.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flagSet.String("env-file", "", "optional .env file with LSLIVE_* variables")
	flagSet.String("database-type", "", "database type (postgres, sqlite)")
	flagSet.String("database-dsn", "", "database DSN")
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen", defaultListen)
	v.SetDefault("env_file", "")
	v.SetDefault("workers", 32)
	v.SetDefault("database.type", defaultDBType)
	v.SetDefault("database.dsn", defaultDBDSN)
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("version_store.type", "sql")
	v.SetDefault("version_store.path", ":memory:")
	v.SetDefault("pubsub.type", defaultPubSubType)
	v.SetDefault("pubsub.dsn", "")
	v.SetDefault("pubsub.channel", "lightspeed_live")
	v.SetDefault("cache.size", 4096)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.allowed_age", 10*time.Second)
	v.SetDefault("cache.grants_size", 4096)
	v.SetDefault("client.send_buffer_size", 256)
	v.SetDefault("client.max_message_size", 64*1024)
	v.SetDefault("client.presence_ttl", 3*time.Minute)
	v.SetDefault("client.presence_schedule", "@every 1m")
	v.SetDefault("roulette.request_ttl", 30*time.Second)
	v.SetDefault("roulette.cooldown", 5*time.Minute)
	v.SetDefault("roulette.recent_window", 5*time.Minute)
	v.SetDefault("roulette.purge_schedule", "@every 1m")
	v.SetDefault("calls.http_timeout", 10*time.Second)
	v.SetDefault("exhibition.contact_timeout", 5*time.Minute)
	v.SetDefault("exhibition.sweep_schedule", "@every 1m")
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		for key, flag := range map[string]string{
			"listen":        "listen",
			"log_level":     "log_level",
			"env_file":      "env_file",
			"database.type": "database_type",
			"database.dsn":  "database_dsn",
		} {
			if f := flagSet.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					globals.AppLogger.Error("could not bind flag (ignored)", "flag", flag, "error", err)
				}
			}
		}
	}
	if envFile := v.GetString("env_file"); envFile != "" {
		// existing environment variables win over the file
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
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
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			return nil, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.PubSub.DSN == "" {
		cfg.PubSub.DSN = cfg.Database.DSN
	}
	globals.AppLogger.Debug("config", "all", v.AllSettings())
	return &cfg, nil
}
