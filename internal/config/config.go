package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Sources SourcesConfig `yaml:"sources" mapstructure:"sources"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Export  ExportConfig  `yaml:"export" mapstructure:"export"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SourcesConfig configures the upstream data sources.
type SourcesConfig struct {
	RateTableURL       string `yaml:"rate_table_url" mapstructure:"rate_table_url"`
	RateCharset        string `yaml:"rate_charset" mapstructure:"rate_charset"`
	RegimeURL          string `yaml:"regime_url" mapstructure:"regime_url"`
	MetadataPath       string `yaml:"metadata_path" mapstructure:"metadata_path"`
	UserAgent          string `yaml:"user_agent" mapstructure:"user_agent"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// IngestConfig configures ingestion behavior.
type IngestConfig struct {
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	Schedule    string `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the search HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ExportConfig configures dataset exports.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPENFISCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/openfiscal.db")
	v.SetDefault("sources.rate_table_url", "http://svn.code.sf.net/p/acbr/code/trunk2/Exemplos/ACBrTCP/ACBrIBPTax/tabela/")
	v.SetDefault("sources.rate_charset", "iso-8859-1")
	v.SetDefault("sources.regime_url", "https://www.confaz.fazenda.gov.br/legislacao/convenios/2018/CV142_18")
	v.SetDefault("sources.metadata_path", "data/fetch_metadata.json")
	v.SetDefault("sources.user_agent", "openfiscal/1.0")
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.schedule", "0 0 2 * * 0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("export.dir", "data/export")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required for the given run mode.
// Modes are "ingest", "serve" and "export".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "ingest":
		if c.Sources.RateTableURL == "" {
			problems = append(problems, "sources.rate_table_url is required")
		}
		if c.Sources.RegimeURL == "" {
			problems = append(problems, "sources.regime_url is required")
		}
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 32 {
			problems = append(problems, "ingest.concurrency must be between 1 and 32")
		}
		if c.Ingest.TimeoutSecs <= 0 {
			problems = append(problems, "ingest.timeout_secs must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
	case "export":
		if c.Export.Dir == "" {
			problems = append(problems, "export.dir is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
