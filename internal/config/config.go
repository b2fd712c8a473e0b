package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	App       AppConfig       `envPrefix:"APP_"`
	Postgres  PostgresConfig  `envPrefix:"PG_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Square    SquareConfig    `envPrefix:"SQUARE_"`
	Calendar  CalendarConfig  `envPrefix:"GCAL_"`
	Catalog   CatalogConfig   `envPrefix:"CATALOG_"`
	Orders    OrdersConfig    `envPrefix:"ORDERS_"`
	Telemetry TelemetryConfig `envPrefix:"OTEL_"`
}

type AppConfig struct {
	Name     string `env:"NAME" envDefault:"food-order-service"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	Env      string `env:"ENV" envDefault:"development" validate:"oneof=development production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type PostgresConfig struct {
	Host            string        `env:"HOST" validate:"required"`
	Port            string        `env:"PORT" envDefault:"5432"`
	User            string        `env:"USER" validate:"required"`
	Password        string        `env:"PASSWORD" validate:"required"`
	DBName          string        `env:"DB_NAME" validate:"required"`
	SSLMode         string        `env:"SSLMODE" envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10" validate:"gt=0"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
}

func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig is optional. Without an address the sweeps run without a
// leader lease and the catalog cache stays in process.
type RedisConfig struct {
	Addr     string        `env:"ADDR"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	LeaseTTL time.Duration `env:"LEASE_TTL" envDefault:"90s"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`
}

type NATSConfig struct {
	URL                 string `env:"URL" envDefault:"nats://localhost:4222"`
	ClusterID           string `env:"CLUSTER_ID" envDefault:"test-cluster" validate:"required"`
	ClientID            string `env:"CLIENT_ID" envDefault:"food-order-service" validate:"required"`
	TicketSubject       string `env:"TICKET_SUBJECT" envDefault:"kitchen.tickets"`
	TicketCancelSubject string `env:"TICKET_CANCEL_SUBJECT" envDefault:"kitchen.tickets.cancel"`
	CustomerSubject     string `env:"CUSTOMER_SUBJECT" envDefault:"notifications.customer"`
	AlertSubject        string `env:"ALERT_SUBJECT" envDefault:"notifications.operator"`
}

type SquareConfig struct {
	BaseURL        string        `env:"BASE_URL" envDefault:"https://connect.squareup.com" validate:"required,url"`
	AccessToken    string        `env:"ACCESS_TOKEN" validate:"required"`
	LocationID     string        `env:"LOCATION_ID" validate:"required"`
	APIVersion     string        `env:"API_VERSION" envDefault:"2025-01-23"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxRetryPeriod time.Duration `env:"MAX_RETRY_PERIOD" envDefault:"20s"`
}

type CalendarConfig struct {
	CalendarID      string `env:"CALENDAR_ID" validate:"required"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	// Endpoint overrides the Google API base URL, for emulators.
	Endpoint string `env:"ENDPOINT"`
}

type CatalogConfig struct {
	BaseURL string        `env:"BASE_URL" validate:"required,url"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type OrdersConfig struct {
	TimeZone          string          `env:"TIME_ZONE" envDefault:"America/New_York" validate:"required"`
	Currency          string          `env:"CURRENCY" envDefault:"USD" validate:"len=3"`
	TaxRate           decimal.Decimal `env:"TAX_RATE" envDefault:"0.0875"`
	AutogratThreshold int64           `env:"AUTOGRAT_THRESHOLD" envDefault:"0" validate:"gte=0"`
	AutogratPercent   decimal.Decimal `env:"AUTOGRAT_PERCENT" envDefault:"0.18"`
	LockMaxHold       time.Duration   `env:"LOCK_MAX_HOLD" envDefault:"5m" validate:"gt=0"`
	EventDuration     time.Duration   `env:"EVENT_DURATION" envDefault:"15m"`

	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL" envDefault:"60s"`
	DispatchAhead    time.Duration `env:"DISPATCH_AHEAD" envDefault:"3h"`

	StaleOrderInterval time.Duration `env:"STALE_ORDER_INTERVAL" envDefault:"24h"`
	StaleOrderMinAge   time.Duration `env:"STALE_ORDER_MIN_AGE" envDefault:"24h"`
	StaleOrderMaxAge   time.Duration `env:"STALE_ORDER_MAX_AGE" envDefault:"48h"`

	ThirdPartySource   string        `env:"THIRD_PARTY_SOURCE"`
	ThirdPartyService  string        `env:"THIRD_PARTY_SERVICE" validate:"required_with=ThirdPartySource"`
	ThirdPartyInterval time.Duration `env:"THIRD_PARTY_INTERVAL" envDefault:"35s"`
	ThirdPartyLookback time.Duration `env:"THIRD_PARTY_LOOKBACK" envDefault:"10m"`

	StaleLockInterval time.Duration `env:"STALE_LOCK_INTERVAL" envDefault:"5m"`
}

func (c OrdersConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// TelemetryConfig is optional. Without an endpoint spans are not exported.
type TelemetryConfig struct {
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `env:"EXPORTER_OTLP_INSECURE" envDefault:"true"`
}

var parsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(decimal.Decimal{}): func(v string) (any, error) {
		return decimal.NewFromString(v)
	},
}

// NewConfig reads configuration from the environment, loading .env from
// the working directory first when it exists.
func NewConfig() (*Config, error) {
	return Load(".env")
}

func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{FuncMap: parsers}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	if cfg.Orders.TaxRate.IsNegative() || cfg.Orders.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("config: tax rate %s out of range", cfg.Orders.TaxRate)
	}
	if _, err := cfg.Orders.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}
