package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportWebsocket = "websocket"
	TransportMQTT      = "mqtt"
)

type Config struct {
	AppEnv   string
	LogLevel string

	// Client: REST and socket endpoints, session token.
	APIURL      string
	SocketURL   string
	APIToken    string
	TenantID    int64
	HTTPTimeout time.Duration

	MessagePageSize int
	TicketPageSize  int

	RealtimeTransport string
	MQTTBroker        string
	MQTTClientID      string
	MQTTTopicPrefix   string

	// Sandbox: local in-memory backend for client development.
	AppHost          string
	HTTPPort         string
	KafkaBrokers     []string
	KafkaTopicEvents string
	MediaMaxBytes    int64
	// AckDelay is how long an outbound message waits for ack=2; 0 disables.
	AckDelay time.Duration
	SeedDemo bool
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		APIURL:            strings.TrimRight(getEnv("API_URL", "http://localhost:8097/api"), "/"),
		SocketURL:         getEnv("SOCKET_URL", ""),
		APIToken:          getEnv("API_TOKEN", ""),
		RealtimeTransport: strings.ToLower(getEnv("REALTIME_TRANSPORT", TransportWebsocket)),
		MQTTBroker:        getEnv("MQTT_BROKER", ""),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "crm-inbox"),
		MQTTTopicPrefix:   strings.TrimRight(getEnv("MQTT_TOPIC_PREFIX", "crm/tenants"), "/"),
		AppHost:           getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:          firstEnv("APP_PORT", "HTTP_PORT", "8097"),
		KafkaBrokers:      ParseList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicEvents:  getEnv("KAFKA_TOPIC_EVENTS", "crm.inbox.events"),
	}
	var err error
	if cfg.TenantID, err = getInt64("TENANT_ID", 1); err != nil {
		return nil, err
	}
	if cfg.MessagePageSize, err = getInt("PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.TicketPageSize, err = getInt("TICKET_PAGE_SIZE", 40); err != nil {
		return nil, err
	}
	if cfg.MediaMaxBytes, err = getInt64("MEDIA_MAX_BYTES", 16<<20); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = time.ParseDuration(getEnv("HTTP_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("config: HTTP_TIMEOUT: %w", err)
	}
	if cfg.AckDelay, err = time.ParseDuration(getEnv("SANDBOX_ACK_DELAY", "1s")); err != nil {
		return nil, fmt.Errorf("config: SANDBOX_ACK_DELAY: %w", err)
	}
	if cfg.SeedDemo, err = strconv.ParseBool(getEnv("SANDBOX_SEED", "true")); err != nil {
		return nil, fmt.Errorf("config: SANDBOX_SEED: %w", err)
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = DeriveSocketURL(cfg.APIURL)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("config: API_URL is required")
	}
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("config: API_URL: %w", err)
	}
	if c.MessagePageSize <= 0 || c.TicketPageSize <= 0 {
		return errors.New("config: PAGE_SIZE and TICKET_PAGE_SIZE must be positive")
	}
	switch c.RealtimeTransport {
	case TransportWebsocket:
	case TransportMQTT:
		if c.MQTTBroker == "" {
			return errors.New("config: REALTIME_TRANSPORT=mqtt requires MQTT_BROKER")
		}
	default:
		return fmt.Errorf("config: unknown REALTIME_TRANSPORT %q", c.RealtimeTransport)
	}
	if c.MediaMaxBytes <= 0 {
		return errors.New("config: MEDIA_MAX_BYTES must be positive")
	}
	if c.AppEnv == "production" && c.APIToken == "" {
		return errors.New("config: in production API_TOKEN is required")
	}
	return nil
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

// DeriveSocketURL maps http(s)://host/api to ws(s)://host/api/socket.
func DeriveSocketURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	return u.String()
}

// ParseList splits "host1:9092,host2:9092" into a slice.
func ParseList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
