// Package config provides the conductor's configuration loader: a thin
// viper wrapper in the pack's own style (cmd/config + pkg/config in
// orbas1-Synnergy's repo), reading a YAML file plus HCD_-prefixed
// environment overrides into a single Config struct.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the conductor's full runtime configuration.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Apps []AppConfig `mapstructure:"apps"`
}

// AppConfig is one entry of the config file's `apps` list: an app this
// conductor should install and enable for one agent on startup.
type AppConfig struct {
	AppID     string   `mapstructure:"app_id"`
	DnaSeed   string   `mapstructure:"dna_seed"` // arbitrary bytes hashed into a DnaHash
	ZomeNames []string `mapstructure:"zome_names"`
}

// Load reads path (or, if empty, searches the working directory and
// /etc/holo for "hcd.yaml") merged with HCD_-prefixed environment
// variables, e.g. HCD_LISTEN_ADDR overrides listen_addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hcd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/holo")
	}
	v.SetDefault("data_dir", "./hcd-data")
	v.SetDefault("listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("HCD")
	v.AutomaticEnv()

	if explicit {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
