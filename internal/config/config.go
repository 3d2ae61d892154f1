package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Commerce struct {
	APIBase       string `mapstructure:"api-base"`
	APIKey        string `mapstructure:"api-key"`
	WebhookSecret string `mapstructure:"webhook-secret"`
}

type Chain struct {
	RPCURL           string `mapstructure:"rpc-url"`
	TokenContract    string `mapstructure:"token-contract"`
	PrivateKey       string `mapstructure:"private-key"`
	MerchantAddress  string `mapstructure:"merchant-address"`
	ConfirmTimeoutMs int    `mapstructure:"confirm-timeout-ms"`
}

type Retry struct {
	MaxAttempts int `mapstructure:"max-attempts"`
	BaseDelayMs int `mapstructure:"base-delay-ms"`
	JitterMs    int `mapstructure:"jitter-ms"`
}

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// ConnString is empty when no database host is configured, which disables
// the durable refund ledger.
func (d Database) ConnString() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Kafka struct {
	BrokerURL      string `mapstructure:"broker-url"`
	Topic          string `mapstructure:"topic"`
	BatchSize      int    `mapstructure:"batch-size"`
	BatchTimeoutMs int    `mapstructure:"batch-timeout-ms"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Commerce Commerce `mapstructure:"commerce"`
	Chain    Chain    `mapstructure:"chain"`
	Retry    Retry    `mapstructure:"retry"`
	Database Database `mapstructure:"database"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
}

// ConfigError reports missing or malformed required settings. It is raised
// before any network call is made.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Missing, ", "))
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Provider and wallet secrets come from the environment, never the
	// yaml file.
	viper.BindEnv("commerce.api-key", "COINBASE_COMMERCE_API_KEY")
	viper.BindEnv("commerce.webhook-secret", "COINBASE_COMMERCE_WEBHOOK_SECRET")
	viper.BindEnv("chain.private-key", "PRIVATE_KEY")
	viper.BindEnv("chain.rpc-url", "BASE_RPC_URL")
	viper.BindEnv("chain.merchant-address", "MERCHANT_ADDRESS")
	viper.BindEnv("database.password", "DB_PASSWORD")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	return config
}

// Validate checks the settings the workflow cannot run without. Key format
// is checked here so a malformed merchant key fails at startup instead of
// surfacing as a transaction error mid-refund.
func (c *Config) Validate() error {
	var missing []string

	if c.Commerce.APIKey == "" {
		missing = append(missing, "commerce api key")
	}
	if c.Commerce.WebhookSecret == "" {
		missing = append(missing, "commerce webhook secret")
	}
	if c.Chain.RPCURL == "" {
		missing = append(missing, "chain rpc url")
	}
	if c.Chain.TokenContract == "" {
		missing = append(missing, "token contract address")
	}
	if c.Chain.MerchantAddress == "" {
		missing = append(missing, "merchant address")
	}
	switch key := strings.TrimPrefix(c.Chain.PrivateKey, "0x"); {
	case key == "":
		missing = append(missing, "merchant private key")
	case len(key) != 64:
		missing = append(missing, "merchant private key (64 hex chars expected)")
	}

	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}
