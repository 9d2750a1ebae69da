package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/embervoice/avs-client/internal/auth"
	"github.com/embervoice/avs-client/internal/connection"
	"github.com/embervoice/avs-client/internal/logger"
)

// AuthConfig represents an authConfig.
type AuthConfig struct {
	auth.Config  `mapstructure:",squash"`
	RefreshToken string `mapstructure:"refresh_token"`
	TokenFile    string `mapstructure:"token_file"`
}

// DeviceConfig represents a deviceConfig.
type DeviceConfig struct {
	Wakeword     string `mapstructure:"wakeword"`
	Volume       int    `mapstructure:"volume"`
	SoundCatalog string `mapstructure:"sound_catalog"`
	AlertFile    string `mapstructure:"alert_file"`
	ListenMode   string `mapstructure:"listen_mode"`
}

// MonitorConfig represents a monitorConfig.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config represents a config.
type Config struct {
	Connection connection.Config `mapstructure:"connection"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Device     DeviceConfig      `mapstructure:"device"`
	Monitor    MonitorConfig     `mapstructure:"monitor"`
	Log        logger.Config     `mapstructure:"log"`
}

// Load executes the load function.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("avs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(configPath); path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, err
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("conf")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.endpoint", "https://avs-alexa-na.amazon.com")
	v.SetDefault("connection.api_version", "v20160207")
	v.SetDefault("connection.ping_interval", "5m")
	v.SetDefault("connection.backoff_base", "1s")
	v.SetDefault("connection.backoff_max", "1m")

	v.SetDefault("auth.endpoint", "https://api.amazon.com/auth/o2/token")
	v.SetDefault("auth.refresh_buffer", "60s")
	v.SetDefault("auth.max_attempts", 3)
	v.SetDefault("auth.retry_base", "500ms")
	v.SetDefault("auth.token_file", "./data/tokens.json")

	v.SetDefault("device.wakeword", "ALEXA")
	v.SetDefault("device.volume", 60)
	v.SetDefault("device.sound_catalog", "./sounds.yaml")
	v.SetDefault("device.alert_file", "./data/alerts.json")
	v.SetDefault("device.listen_mode", "push_to_talk")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.addr", ":8350")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "avs-client.log")
	v.SetDefault("log.file.max_size_mb", 50)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// Validate executes the validate method.
func (c Config) Validate() error {
	var missing []string
	if c.Connection.Endpoint == "" {
		missing = append(missing, "connection.endpoint")
	}
	if c.Auth.Endpoint == "" {
		missing = append(missing, "auth.endpoint")
	}
	if c.Auth.ClientID == "" {
		missing = append(missing, "auth.client_id")
	}
	if c.Auth.ClientSecret == "" {
		missing = append(missing, "auth.client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Device.Volume < 0 || c.Device.Volume > 100 {
		return errors.New("device.volume must be between 0 and 100")
	}
	return nil
}
