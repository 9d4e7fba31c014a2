package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration for the orchestrator.
type Config struct {
	Environment      string                 `mapstructure:"environment"`
	MetricsEnabled   bool                   `mapstructure:"metrics_enabled"`
	LogLevel         string                 `mapstructure:"logging.level"`
	LogFormat        string                 `mapstructure:"logging.format"`
	Database         DatabaseConfig
	Redis            RedisConfig
	Broker           BrokerConfig
	Server           ServerConfig
	ExternalServices ExternalServicesConfig
	Elastic          ElasticConfig
	Tracing          TracingConfig
}

// DatabaseConfig holds relational-store configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"database.host"`
	Port            int           `mapstructure:"database.port"`
	User            string        `mapstructure:"database.user"`
	Password        string        `mapstructure:"database.password"`
	Name            string        `mapstructure:"database.name"`
	SSLMode         string        `mapstructure:"database.ssl_mode"`
	MaxOpenConns    int           `mapstructure:"database.max_open_conns"`
	MaxIdleConns    int           `mapstructure:"database.max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"database.conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"database.conn_max_idle_time"`
}

// DSN builds the Postgres connection string from the discrete fields above.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig holds cache-gateway configuration.
type RedisConfig struct {
	Address  string `mapstructure:"redis.address"`
	Password string `mapstructure:"redis.password"`
	DB       int    `mapstructure:"redis.db"`
	Enabled  bool   `mapstructure:"redis.enabled"`
}

// BrokerConfig holds broker-gateway configuration. Field names follow the
// exchange/queue/routing-key vocabulary of a topic-exchange broker; this
// implementation realizes them on Azure Service Bus topics and subscriptions
// (Topic = ExchangeName, Subscription = QueueName, SQL filter = RoutingKey).
type BrokerConfig struct {
	ConnectionString string `mapstructure:"rabbitmq.url"`
	ExchangeName     string `mapstructure:"rabbitmq.exchange_name"`
	ExchangeType     string `mapstructure:"rabbitmq.exchange_type"`
	QueueName        string `mapstructure:"rabbitmq.queue_name"`
	RoutingKey       string `mapstructure:"rabbitmq.routing_key"`
	PrefetchCount    int    `mapstructure:"rabbitmq.prefetch_count"`
}

// ServerConfig holds HTTP boundary configuration.
type ServerConfig struct {
	Port               int           `mapstructure:"server.port"`
	ReadTimeout        time.Duration `mapstructure:"server.read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"server.write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"server.idle_timeout"`
	CorsAllowedOrigins []string      `mapstructure:"server.cors_allowed_origins"`
}

// Address returns the listen address derived from Port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("0.0.0.0:%d", s.Port)
}

// ExternalServicesConfig names the remote User and Template services.
type ExternalServicesConfig struct {
	UserServiceName     string `mapstructure:"external_services.user_service_name"`
	TemplateServiceName string `mapstructure:"external_services.template_service_name"`
}

// ElasticConfig holds the audit-trail search index configuration.
type ElasticConfig struct {
	URL      string `mapstructure:"elastic.url"`
	Username string `mapstructure:"elastic.username"`
	Password string `mapstructure:"elastic.password"`
	Prefix   string `mapstructure:"elastic.prefix"`
	Index    string `mapstructure:"elastic.index"`
}

// TracingConfig holds New Relic configuration.
type TracingConfig struct {
	LicenseKey     string `mapstructure:"tracing.license_key"`
	AppName        string `mapstructure:"tracing.app_name"`
	LogLevel       string `mapstructure:"tracing.log_level"`
	LogEnabled     bool   `mapstructure:"tracing.log_enabled"`
	DistribTracing bool   `mapstructure:"tracing.distributed_tracing_enabled"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AddConfigPath(path)
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			v.SetConfigName("app")
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				fmt.Printf("Warning: No configuration file found: %v\n", err)
			}
		} else {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("metrics_enabled", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "orchestrator")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange_name", "notifications")
	v.SetDefault("rabbitmq.exchange_type", "topic")
	v.SetDefault("rabbitmq.queue_name", "orchestrator_queue")
	v.SetDefault("rabbitmq.routing_key", "notification.*")
	v.SetDefault("rabbitmq.prefetch_count", 20)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_allowed_origins", []string{"*"})

	v.SetDefault("external_services.user_service_name", "http://user-service")
	v.SetDefault("external_services.template_service_name", "http://template-service")

	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.prefix", "orchestrator")
	v.SetDefault("elastic.index", "notification-events")

	v.SetDefault("tracing.app_name", "Notification Orchestrator")
	v.SetDefault("tracing.log_level", "info")
	v.SetDefault("tracing.log_enabled", true)
	v.SetDefault("tracing.distributed_tracing_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// FormatIndex formats an Elasticsearch index name with the configured prefix.
func FormatIndex(cfg ElasticConfig, index string) string {
	return cfg.Prefix + "-" + index
}
