package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix        = "COOLANTCTL"
	EnvConfigFile    = "COOLANTCTL_CONFIG"
	DefaultLogLevel  = "info"
	defaultConfigDir = "/etc"
	configName       = "coolantctl.conf"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	PIDFile     string            `mapstructure:"pid_file"`
	Device      DeviceConfig      `mapstructure:"device"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Regulator   RegulatorConfig   `mapstructure:"regulator"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Store       StoreConfig       `mapstructure:"store"`
	Journal     JournalConfig     `mapstructure:"journal"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	API         APIConfig         `mapstructure:"api"`
}

type DeviceConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Account        string        `mapstructure:"account"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type AcquisitionConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

type RegulatorConfig struct {
	MaxTemp            float64       `mapstructure:"max_temp"`
	MinTemp            float64       `mapstructure:"min_temp"`
	CriticalTemp       float64       `mapstructure:"critical_temp"`
	EmergencyTemp      float64       `mapstructure:"emergency_temp"`
	MinCycleTime       time.Duration `mapstructure:"min_cycle_time"`
	MaxSwitchesPerHour int           `mapstructure:"max_switches_per_hour"`
	MaxCoolingTime     time.Duration `mapstructure:"max_cooling_time"`
	StaleMaxAge        time.Duration `mapstructure:"stale_max_age"`
	StaleGrace         time.Duration `mapstructure:"stale_grace"`
	Tick               time.Duration `mapstructure:"tick"`
}

type RelayConfig struct {
	Pin       int  `mapstructure:"pin"`
	ActiveLow bool `mapstructure:"active_low"`
}

type StoreConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DBPath        string        `mapstructure:"db_path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Listen       string        `mapstructure:"listen"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	PasswordHash string        `mapstructure:"password_hash"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`

	// AllowedOrigins may open /ws besides pages served by the API host.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// requiredKeys have no default. Control must not start on assumed values.
var requiredKeys = []string{
	"device.host",
	"device.account",
	"device.password",
	"regulator.max_temp",
	"regulator.min_temp",
	"regulator.critical_temp",
	"regulator.emergency_temp",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("device.port", 4433)
	v.SetDefault("device.connect_timeout", 5*time.Second)
	v.SetDefault("device.read_timeout", 5*time.Second)

	v.SetDefault("acquisition.interval", time.Second)
	v.SetDefault("acquisition.backoff_max", 30*time.Second)

	v.SetDefault("regulator.min_cycle_time", time.Second)
	v.SetDefault("regulator.max_switches_per_hour", 6600)
	v.SetDefault("regulator.max_cooling_time", 60*time.Minute)
	v.SetDefault("regulator.stale_max_age", 10*time.Second)
	v.SetDefault("regulator.stale_grace", 5*time.Second)
	v.SetDefault("regulator.tick", time.Second)

	v.SetDefault("relay.pin", 17)
	v.SetDefault("relay.active_low", true)

	v.SetDefault("store.history_size", 1000)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.db_path", "/var/lib/coolantctl/journal.db")
	v.SetDefault("journal.batch_size", 16)
	v.SetDefault("journal.flush_interval", 5*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "coolantctl")
	v.SetDefault("mqtt.topic_prefix", "coolantctl")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.token_ttl", time.Hour)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("coolantctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("pid-file", "", "PID file path (default: coolantctl.pid in the temp dir)")
	fs.String("host", "", "Device address")
	fs.Int("pin", 17, "Relay GPIO pin (BCM numbering)")
	fs.Float64("max-temp", 0, "Temperature that engages cooling")
	fs.Float64("min-temp", 0, "Temperature that disengages cooling")
	fs.Bool("api", false, "Serve the HTTP status API")
	fs.Bool("mqtt", false, "Bridge status to MQTT")
	return fs
}

var flagKeys = map[string]string{
	"log-level": "log_level",
	"pid-file":  "pid_file",
	"host":      "device.host",
	"pin":       "relay.pin",
	"max-temp":  "regulator.max_temp",
	"min-temp":  "regulator.min_temp",
	"api":       "api.enabled",
	"mqtt":      "mqtt.enabled",
}

// Load builds the configuration from defaults, the config file, the
// environment and args, in increasing precedence, and validates it.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range requiredKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, errFactory.WithData(errors.ErrMissingConfig, key)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(defaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}
	return nil
}
