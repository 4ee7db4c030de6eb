package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	NodeID   string `mapstructure:"node_id"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

type StoreConfig struct {
	// Driver is one of postgres, sqlite3, mongo or memory.
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MongoURI string `mapstructure:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AMQPConfig struct {
	URL             string `mapstructure:"url"`
	Exchange        string `mapstructure:"exchange"`
	AuditRoutingKey string `mapstructure:"audit_routing_key"`
}

type OTelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type WSConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type DeliveryConfig struct {
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Store    StoreConfig    `mapstructure:"store"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	OTel     OTelConfig     `mapstructure:"otel"`
	WS       WSConfig       `mapstructure:"ws"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chat-core")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.http_addr", ":8083")
	v.SetDefault("app.grpc_addr", ":9083")
	v.SetDefault("app.node_id", "")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:chat.db?_journal_mode=WAL&_synchronous=FULL")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_db", "chat")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat.message-events")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "chat.events")
	v.SetDefault("amqp.audit_routing_key", "audit.chat")

	v.SetDefault("otel.endpoint", "")

	v.SetDefault("ws.ping_interval", 25*time.Second)
	v.SetDefault("ws.idle_timeout", 60*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.max_message_bytes", 64<<10)
	v.SetDefault("ws.rate_limit", 20.0)
	v.SetDefault("ws.rate_burst", 40)

	v.SetDefault("delivery.push_timeout", 5*time.Second)
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// and CHAT_* environment variables, in increasing precedence. Nested keys map
// to env names by replacing dots with underscores, e.g. CHAT_STORE_DSN.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.App.NodeID == "" {
		c.App.NodeID, _ = os.Hostname()
	}
	return &c, c.Validate()
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite3", "mongo", "memory":
	default:
		return fmt.Errorf("store.driver %q is not one of postgres, sqlite3, mongo, memory", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.WS.IdleTimeout <= c.WS.PingInterval {
		return fmt.Errorf("ws.idle_timeout (%s) must exceed ws.ping_interval (%s)", c.WS.IdleTimeout, c.WS.PingInterval)
	}
	return nil
}
