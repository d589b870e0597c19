// Package config loads the typed application configuration.
//
// Values come from a key=value properties file (the format the bot has
// always used, e.g. "bot.token=..."), layered over built-in defaults and
// overridden by AWGADMIN_* environment variables. Values are taken
// literally: no variable expansion, no trailing comments. A backslash
// escapes the next character, so a literal one is written "\\". The
// result is validated once at startup; any problem is reported as a
// *ConfigurationError.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/magiconair/properties"
	"github.com/spf13/viper"
)

// DefaultPath is where the properties file is looked up when no path is given.
const DefaultPath = "config/credentials.properties"

// EnvPrefix prefixes environment overrides: AWGADMIN_BOT_TOKEN overrides bot.token.
const EnvPrefix = "AWGADMIN"

// Run modes.
const (
	ModeBot = "bot"
	ModeAPI = "api"
	ModeAll = "all"
)

// Registry backends.
const (
	BackendAPI  = "api"
	BackendFile = "file"
)

// ConfigurationError reports a missing or unusable setting. It is fatal at
// startup.
type ConfigurationError struct {
	Key    string // Offending key(s), empty when the file itself is the problem
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := e.Reason
	if e.Key != "" {
		msg = fmt.Sprintf("%s: %s", e.Reason, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config is the application configuration.
type Config struct {
	Mode    string `mapstructure:"-"`
	Backend string `mapstructure:"backend"` // api | file

	Bot struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"bot"`

	Server struct {
		IP       string `mapstructure:"ip"`       // Address clients dial and SSH host
		User     string `mapstructure:"user"`     // SSH user (file backend)
		Password string `mapstructure:"password"` // SSH password (file backend)
	} `mapstructure:"server"`

	HTTP struct {
		Listen            string        `mapstructure:"listen"`
		JWTSecret         string        `mapstructure:"jwt_secret"`          // empty disables admin routes
		AdminPasswordHash string        `mapstructure:"admin_password_hash"` // bcrypt
		TokenTTL          time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"http"`

	API struct {
		URL      string        `mapstructure:"url"`
		Password string        `mapstructure:"password"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"api"`

	SSH struct {
		Port       int           `mapstructure:"port"`
		Timeout    time.Duration `mapstructure:"timeout"`
		KnownHosts string        `mapstructure:"known_hosts"` // empty accepts any host key
	} `mapstructure:"ssh"`

	WG struct {
		Container           string `mapstructure:"container"`
		Interface           string `mapstructure:"interface"`
		ConfigPath          string `mapstructure:"config_path"`
		ServerPublicKeyPath string `mapstructure:"server_public_key_path"`
		PSKPath             string `mapstructure:"psk_path"`
		Subnet              string `mapstructure:"subnet"`
		DNS                 string `mapstructure:"dns"`    // comma separated
		Keygen              string `mapstructure:"keygen"` // remote | local
	} `mapstructure:"wg"`

	Pincode struct {
		Timezone   string `mapstructure:"timezone"`
		RevealHint bool   `mapstructure:"reveal_hint"`
	} `mapstructure:"pincode"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`

	Audit struct {
		Driver string `mapstructure:"driver"` // sqlite | mysql | postgres | "" (disabled)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"audit"`
}

var defaults = map[string]interface{}{
	"backend":                   "",
	"bot.token":                 "",
	"server.ip":                 "",
	"server.user":               "",
	"server.password":           "",
	"http.listen":               ":5000",
	"http.jwt_secret":           "",
	"http.admin_password_hash":  "",
	"http.token_ttl":            "12h",
	"api.url":                   "",
	"api.password":              "",
	"api.timeout":               "15s",
	"ssh.port":                  22,
	"ssh.timeout":               "15s",
	"ssh.known_hosts":           "",
	"wg.container":              "amnezia-awg",
	"wg.interface":              "wg0",
	"wg.config_path":            "/opt/amnezia/awg/wg0.conf",
	"wg.server_public_key_path": "/opt/amnezia/awg/wireguard_server_public_key.key",
	"wg.psk_path":               "/opt/amnezia/awg/wireguard_psk.key",
	"wg.subnet":                 "10.8.1.0/24",
	"wg.dns":                    "8.8.8.8",
	"wg.keygen":                 "remote",
	"pincode.timezone":          "Local",
	"pincode.reveal_hint":       true,
	"log.level":                 "info",
	"log.format":                "text",
	"log.file":                  "",
	"audit.driver":              "",
	"audit.dsn":                 "",
}

// LoadDotEnv loads ./.env into the process environment when it exists, so
// AWGADMIN_* overrides can live next to the binary.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// Load reads the properties file at path, applies defaults and environment
// overrides, and validates the result for mode.
func Load(path, mode string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigurationError{Reason: "configuration file not found", Key: path}
		}
		return nil, &ConfigurationError{Reason: "cannot read configuration file", Key: path, Err: err}
	}
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadBytes(data)
	if err != nil {
		return nil, &ConfigurationError{Reason: "cannot parse configuration file", Key: path, Err: err}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeConfigMap(nest(props.Map())); err != nil {
		return nil, &ConfigurationError{Reason: "cannot merge configuration file", Key: path, Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Reason: "invalid configuration value", Err: err}
	}
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// nest turns flat dotted keys into the nested map viper expects.
func nest(flat map[string]string) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(strings.ToLower(key), ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = strings.TrimSpace(value)
	}
	return out
}

// Validate fills derived defaults and checks that every key the selected
// mode and backend need is present.
func (c *Config) Validate() error {
	switch c.Mode {
	case "":
		c.Mode = ModeAll
	case ModeBot, ModeAPI, ModeAll:
	default:
		return &ConfigurationError{Key: "mode", Reason: fmt.Sprintf("unknown mode %q, want bot, api or all", c.Mode)}
	}

	switch c.Backend {
	case "":
		c.Backend = BackendFile
		if c.API.URL != "" {
			c.Backend = BackendAPI
		}
	case BackendAPI, BackendFile:
	default:
		return &ConfigurationError{Key: "backend", Reason: fmt.Sprintf("unknown backend %q, want api or file", c.Backend)}
	}

	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	if c.RunsBot() {
		require("bot.token", c.Bot.Token)
	}
	require("server.ip", c.Server.IP)
	if c.Backend == BackendAPI {
		require("api.url", c.API.URL)
		require("api.password", c.API.Password)
	} else {
		require("server.user", c.Server.User)
		require("server.password", c.Server.Password)
	}
	if len(missing) > 0 {
		return &ConfigurationError{Key: strings.Join(missing, ", "), Reason: "missing required configuration keys"}
	}

	switch c.WG.Keygen {
	case "remote", "local":
	default:
		return &ConfigurationError{Key: "wg.keygen", Reason: fmt.Sprintf("unknown key generation mode %q, want remote or local", c.WG.Keygen)}
	}
	switch c.Audit.Driver {
	case "", "sqlite", "mysql", "postgres":
	default:
		return &ConfigurationError{Key: "audit.driver", Reason: fmt.Sprintf("unsupported audit driver %q", c.Audit.Driver)}
	}
	if _, err := c.Location(); err != nil {
		return &ConfigurationError{Key: "pincode.timezone", Reason: "unknown time zone", Err: err}
	}
	if c.HTTP.JWTSecret != "" && c.HTTP.TokenTTL <= 0 {
		return &ConfigurationError{Key: "http.token_ttl", Reason: "token lifetime must be positive"}
	}
	return nil
}

// RunsBot reports whether the Telegram front-end is enabled.
func (c *Config) RunsBot() bool { return c.Mode == ModeBot || c.Mode == ModeAll }

// RunsAPI reports whether the HTTP front-end is enabled.
func (c *Config) RunsAPI() bool { return c.Mode == ModeAPI || c.Mode == ModeAll }

// AdminEnabled reports whether the token-protected admin routes are mounted.
func (c *Config) AdminEnabled() bool { return c.HTTP.JWTSecret != "" }

// Location resolves pincode.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Pincode.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Pincode.Timezone)
	}
}

// DNSServers splits wg.dns into individual resolvers.
func (c *Config) DNSServers() []string {
	var servers []string
	for _, s := range strings.Split(c.WG.DNS, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}
