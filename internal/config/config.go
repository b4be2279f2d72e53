// Package config reads the gateway's environment into a typed struct.
// All variables share the RPC_PROXY_ prefix; a .env file in the working
// directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const envPrefix = "RPC_PROXY_"

// Config is the full gateway configuration.
type Config struct {
	Host     string
	Port     int
	LogLevel string

	// Provider credentials. Empty means the vendor is not configured.
	InfuraProjectID          string
	PoktProjectID            string
	QuicknodeAPIToken        string
	AllnodesAPIKey           string
	GetBlockAccessTokensJSON string
	GenericProvidersJSON     string

	// Project registry. ProjectsJSON feeds the static store;
	// DisableProjectValidation admits every request (test mode).
	ProjectsJSON             string
	DisableProjectValidation bool

	// AnalyticsPath enables the JSON-lines analytics file when set.
	AnalyticsPath string

	// Ledger. An empty PostgresURI disables the exchange surface and the
	// reconciler.
	PostgresURI            string
	PostgresMaxConnections int

	// Exchange credentials.
	CoinbaseAppID       string
	BinanceMerchantCode string
	BinanceAPIKey       string
	BinanceAPISecret    string
	EnableTestExchange  bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		Host:     getenv("HOST"),
		LogLevel: getenv("LOG_LEVEL"),

		InfuraProjectID:          getenv("INFURA_PROJECT_ID"),
		PoktProjectID:            getenv("POKT_PROJECT_ID"),
		QuicknodeAPIToken:        getenv("QUICKNODE_API_TOKEN"),
		AllnodesAPIKey:           getenv("ALLNODES_API_KEY"),
		GetBlockAccessTokensJSON: getenv("GETBLOCK_ACCESS_TOKENS_JSON"),
		GenericProvidersJSON:     getenv("GENERIC_PROVIDERS_JSON"),

		ProjectsJSON:  getenv("PROJECTS_JSON"),
		AnalyticsPath: getenv("ANALYTICS_PATH"),

		PostgresURI: getenv("POSTGRES_URI"),

		CoinbaseAppID:       getenv("COINBASE_APP_ID"),
		BinanceMerchantCode: getenv("BINANCE_MERCHANT_CODE"),
		BinanceAPIKey:       getenv("BINANCE_API_KEY"),
		BinanceAPISecret:    getenv("BINANCE_API_SECRET"),
	}

	var err error
	if cfg.Port, err = getint("PORT", 0); err != nil {
		return nil, err
	}
	if cfg.PostgresMaxConnections, err = getint("POSTGRES_MAX_CONNECTIONS", 0); err != nil {
		return nil, err
	}
	if cfg.DisableProjectValidation, err = getbool("DISABLE_PROJECT_VALIDATION"); err != nil {
		return nil, err
	}
	if cfg.EnableTestExchange, err = getbool("ENABLE_TEST_EXCHANGE"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.PostgresMaxConnections < 0 {
		return fmt.Errorf("config: negative postgres max connections")
	}
	if c.PostgresMaxConnections == 0 {
		c.PostgresMaxConnections = 10
	}
	if !c.DisableProjectValidation && c.ProjectsJSON == "" {
		return fmt.Errorf("config: %sPROJECTS_JSON required unless project validation is disabled", envPrefix)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func getint(key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getbool(key string) (bool, error) {
	raw := getenv(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return b, nil
}
