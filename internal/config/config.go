// Package config loads the transfer settings from defaults, an optional TOML
// file and SFTPXFER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/rectcircle/sftpxfer/internal/sftpclient"
	"github.com/rectcircle/sftpxfer/internal/variable"
	"github.com/rectcircle/sftpxfer/tools"
)

// Config is passed explicitly to the connection and the orchestrator.
// Fields carry no envconfig defaults so that values from the TOML file are
// only replaced by variables that are actually set.
type Config struct {
	Host           string        `toml:"host" envconfig:"HOST"`
	Port           int           `toml:"port" envconfig:"PORT"`
	Username       string        `toml:"username" envconfig:"USERNAME"`
	Password       string        `toml:"password" envconfig:"PASSWORD"`
	KeyFile        string        `toml:"key_file" envconfig:"KEY_FILE"`
	KeyPassphrase  string        `toml:"key_passphrase" envconfig:"KEY_PASSPHRASE"`
	UseAgent       bool          `toml:"use_agent" envconfig:"USE_AGENT"`
	KnownHostsFile string        `toml:"known_hosts_file" envconfig:"KNOWN_HOSTS_FILE"`
	ConnectTimeout time.Duration `toml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	IOTimeout      time.Duration `toml:"io_timeout" envconfig:"IO_TIMEOUT"`
	ConnectRetries int           `toml:"connect_retries" envconfig:"CONNECT_RETRIES"`

	StorageRoot    string `toml:"storage_root" envconfig:"STORAGE_ROOT"`
	UploadLocal    string `toml:"upload_local" envconfig:"UPLOAD_LOCAL"`
	UploadRemote   string `toml:"upload_remote" envconfig:"UPLOAD_REMOTE"`
	DownloadRemote string `toml:"download_remote" envconfig:"DOWNLOAD_REMOTE"`
	DownloadLocal  string `toml:"download_local" envconfig:"DOWNLOAD_LOCAL"`
	ListPath       string `toml:"list_path" envconfig:"LIST_PATH"`

	PhaseDelay       time.Duration `toml:"phase_delay" envconfig:"PHASE_DELAY"`
	LinkInterface    string        `toml:"link_interface" envconfig:"LINK_INTERFACE"`
	LinkPollInterval time.Duration `toml:"link_poll_interval" envconfig:"LINK_POLL_INTERVAL"`

	LogLevel  string `toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" envconfig:"LOG_FORMAT"`
	LogFile   string `toml:"log_file" envconfig:"LOG_FILE"`
}

// Default returns the built-in settings of the demo run.
func Default() Config {
	return Config{
		Host:             variable.DefaultHost,
		Port:             variable.DefaultPort,
		ConnectTimeout:   variable.DefaultConnectTimeout,
		IOTimeout:        variable.DefaultIOTimeout,
		ConnectRetries:   0,
		UploadLocal:      variable.DefaultUploadLocal,
		UploadRemote:     variable.DefaultUploadRemote,
		DownloadRemote:   variable.DefaultUploadRemote,
		DownloadLocal:    variable.DefaultDownloadLocal,
		ListPath:         variable.DefaultStorageRoot,
		PhaseDelay:       variable.DefaultPhaseDelay,
		LinkPollInterval: variable.DefaultLinkPollInterval,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load layers the TOML file at path (skipped when empty) and the environment
// over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := envconfig.Process(variable.EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is empty"))
	}
	sources := 0
	for _, set := range []bool{c.Password != "", c.KeyFile != "", c.UseAgent} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		errs = append(errs, fmt.Errorf("exactly one of password, key_file or use_agent must be set (got %d)", sources))
	}
	if c.ConnectTimeout < 0 || c.IOTimeout < 0 || c.PhaseDelay < 0 {
		errs = append(errs, errors.New("timeouts and delays must not be negative"))
	}
	if c.LinkPollInterval <= 0 {
		errs = append(errs, errors.New("link_poll_interval must be positive"))
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, errors.New("connect_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// Credential returns the authentication variant selected by the settings.
func (c Config) Credential() sftpclient.Credential {
	switch {
	case c.KeyFile != "":
		return sftpclient.PublicKeyAuth{KeyFile: c.KeyFile, Passphrase: c.KeyPassphrase}
	case c.UseAgent:
		return sftpclient.AgentAuth{}
	default:
		return sftpclient.PasswordAuth{Password: c.Password}
	}
}

// ClientConfig derives the connection settings.
func (c Config) ClientConfig() sftpclient.Config {
	return sftpclient.Config{
		Address:        tools.ToAddressString(c.Host, uint16(c.Port)),
		Username:       c.Username,
		Credential:     c.Credential(),
		KnownHostsFile: c.KnownHostsFile,
		ConnectTimeout: c.ConnectTimeout,
		IOTimeout:      c.IOTimeout,
		ConnectRetries: c.ConnectRetries,
	}
}
