package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var AppConfig *Config // global app config

type Config struct {
	Server      Server      `mapstructure:"server"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Log         Log         `mapstructure:"log"`
	MarketRaker MarketRaker `mapstructure:"marketraker"`
	Exchange    string      `mapstructure:"exchange"`
	Binance     Venue       `mapstructure:"binance"`
	Bybit       Venue       `mapstructure:"bybit"`
	Strategy    Strategy    `mapstructure:"strategy"`
	Monitor     Monitor     `mapstructure:"monitor"`
	Storage     Storage     `mapstructure:"storage"`
	Telegram    Telegram    `mapstructure:"telegram"`
}

type Server struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MarketRaker struct {
	PublicKey        string        `mapstructure:"public_key"`
	RejectUnverified bool          `mapstructure:"reject_unverified"`
	DedupeTTL        time.Duration `mapstructure:"dedupe_ttl"`
	AcceptableRisk   int           `mapstructure:"acceptable_risk"`
}

// Venue holds credentials and tuning for one exchange.
type Venue struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	BaseURL           string  `mapstructure:"base_url"`
	StreamURL         string  `mapstructure:"stream_url"`
	RecvWindow        int64   `mapstructure:"recv_window"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        uint64  `mapstructure:"max_retries"`
	QuantityPrecision int32   `mapstructure:"quantity_precision"`
	Category          string  `mapstructure:"category"`
}

type Strategy struct {
	Enabled           []string `mapstructure:"enabled"`
	MomentumThreshold float64  `mapstructure:"momentum_threshold"`
	ReversalThreshold float64  `mapstructure:"reversal_threshold"`
}

type Monitor struct {
	TargetPercent     float64       `mapstructure:"target_percent"`
	Window            time.Duration `mapstructure:"window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// DropInvertedStoploss ignores a signal stoploss on the profitable side of entry.
	DropInvertedStoploss bool `mapstructure:"drop_inverted_stoploss"`
}

type Storage struct {
	JournalPath string `mapstructure:"journal_path"`
	LedgerPath  string `mapstructure:"ledger_path"`
}

type Telegram struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("marketraker.public_key", "")
	v.SetDefault("marketraker.reject_unverified", true)
	v.SetDefault("marketraker.dedupe_ttl", 24*time.Hour)
	v.SetDefault("marketraker.acceptable_risk", 0)
	v.SetDefault("exchange", "binance")
	for _, venue := range []string{"binance", "bybit"} {
		v.SetDefault(venue+".api_key", "")
		v.SetDefault(venue+".api_secret", "")
		v.SetDefault(venue+".base_url", "")
		v.SetDefault(venue+".stream_url", "")
		v.SetDefault(venue+".recv_window", 5000)
		v.SetDefault(venue+".rate_limit", 10)
		v.SetDefault(venue+".burst", 5)
		v.SetDefault(venue+".max_retries", 3)
		v.SetDefault(venue+".quantity_precision", 6)
		v.SetDefault(venue+".category", "")
	}
	v.SetDefault("bybit.category", "spot")
	v.SetDefault("strategy.enabled", []string{"momentum", "overbought_oversold"})
	v.SetDefault("strategy.momentum_threshold", 2.0)
	v.SetDefault("strategy.reversal_threshold", 5.0)
	v.SetDefault("monitor.target_percent", 0.03)
	v.SetDefault("monitor.window", 2*time.Minute)
	v.SetDefault("monitor.heartbeat_interval", 60*time.Second)
	v.SetDefault("monitor.drop_inverted_stoploss", false)
	v.SetDefault("storage.journal_path", "data/positions.db")
	v.SetDefault("storage.ledger_path", "data/ledger")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
}

// RegisterFlags adds the command-line flags LoadConfig understands.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a JSON config file")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	fs.String("exchange", "", "exchange to trade on (binance or bybit)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

// LoadConfig reads the config file, .env file, environment and flags, in
// increasing precedence, and stores the result in AppConfig. fs may be nil.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var path, envFile string
	if fs != nil {
		path, _ = fs.GetString("config")
		envFile, _ = fs.GetString("env-file")
		if err := v.BindPFlag("exchange", fs.Lookup("exchange")); err != nil {
			return nil, errors.Wrap(err, "bind exchange flag")
		}
		if err := v.BindPFlag("log.level", fs.Lookup("log-level")); err != nil {
			return nil, errors.Wrap(err, "bind log-level flag")
		}
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			// The default .env is optional.
			if fs.Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
				return nil, errors.Wrapf(err, "load env file %s", envFile)
			}
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("json")
	if path == "" {
		v.AddConfigPath("./app/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("MARKETRAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Running from environment alone is fine unless a file was asked for.
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	AppConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Exchange {
	case "binance", "bybit":
	default:
		return errors.Errorf("unknown exchange %q", c.Exchange)
	}
	if c.Monitor.TargetPercent <= 0 {
		return errors.New("monitor.target_percent must be positive")
	}
	if c.Monitor.Window <= 0 {
		return errors.New("monitor.window must be positive")
	}
	if len(c.Strategy.Enabled) == 0 {
		return errors.New("strategy.enabled is empty")
	}
	return nil
}

// Venue returns the settings of the selected exchange.
func (c *Config) Venue() Venue {
	if c.Exchange == "bybit" {
		return c.Bybit
	}
	return c.Binance
}
