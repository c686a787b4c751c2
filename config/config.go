package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied by Load when the environment does not say otherwise.
const (
	DefaultTries       = 3
	DefaultOutageSleep = 30 * time.Second
	DefaultSchema      = "public"
)

// Config is the typed record threaded through every boxbus component.
// It is read once at bootstrap; no component reads the environment after Load.
type Config struct {
	// Broker connection.
	AMQPHost  string
	AMQPPort  int
	AMQPUser  string
	AMQPPass  string
	AMQPVHost string

	// Queue naming: the service queue is "<Project>.<ConsumerID>".
	Project    string
	ConsumerID string

	// Exchanges. Exchange is the pre-existing topic exchange events are
	// published on; DelayExchange is the delayed-message exchange used for
	// retries.
	Exchange      string
	DelayExchange string

	// Delivery attempts per event, including the first. Minimum 1.
	Tries int

	// Backoff schedule in seconds. A single element acts as a uniform
	// scalar backoff; with multiple elements the schedule is indexed per
	// attempt and the last value clamps.
	Backoff []int

	// Sleep between reconnect probes while the broker is unreachable.
	OutageSleep time.Duration

	// When false, Publish persists outbox rows but suppresses broker
	// emission (test / dry-run mode).
	PublisherEnabled bool

	// Event-store connection.
	DBHost   string
	DBPort   int
	DBName   string
	DBUser   string
	DBPass   string
	DBSchema string
}

// MissingConfigError names every absent key at once so a misconfigured
// deployment fails with the full shopping list instead of an obscure
// connection error.
type MissingConfigError struct {
	Keys []string
}

func (e *MissingConfigError) Error() string {
	return "missing config: " + strings.Join(e.Keys, ", ")
}

// Load reads the environment (plus an optional .env file) into a Config.
// It does not validate; callers request validation for the option groups
// they actually need.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		AMQPHost:  getEnv("AMQP_HOST", ""),
		AMQPPort:  getInt("AMQP_PORT", 5672),
		AMQPUser:  getEnv("AMQP_USER", ""),
		AMQPPass:  getEnv("AMQP_PASS", ""),
		AMQPVHost: getEnv("AMQP_VHOST", "/"),

		Project:    getEnv("AMQP_PROJECT", ""),
		ConsumerID: getEnv("AMQP_MICROSERVICE_NAME", ""),

		Exchange:      getEnv("AMQP_EXCHANGE", ""),
		DelayExchange: getEnv("AMQP_DELAY_EXCHANGE", ""),

		Tries:            getInt("AMQP_TRIES", DefaultTries),
		Backoff:          getIntList("AMQP_BACKOFF", nil),
		OutageSleep:      time.Duration(getInt("AMQP_OUTAGE_SLEEP_S", int(DefaultOutageSleep/time.Second))) * time.Second,
		PublisherEnabled: getBool("AMQP_PUBLISHER_ENABLED", true),

		DBHost:   getEnv("DB_BOX_HOST", ""),
		DBPort:   getInt("DB_BOX_PORT", 5432),
		DBName:   getEnv("DB_BOX_NAME", ""),
		DBUser:   getEnv("DB_BOX_USER", ""),
		DBPass:   getEnv("DB_BOX_PASS", ""),
		DBSchema: getEnv("DB_BOX_SCHEMA", DefaultSchema),
	}

	if cfg.Exchange == "" && cfg.Project != "" {
		cfg.Exchange = cfg.Project + ".events"
	}
	if cfg.DelayExchange == "" && cfg.Exchange != "" {
		cfg.DelayExchange = cfg.Exchange + ".delay"
	}
	return cfg
}

// Option groups for Validate.
type Option int

const (
	Broker Option = iota // AMQP connection + naming
	DB                   // event-store connection
)

// Validate checks the requested option groups and reports every missing key
// in one MissingConfigError. Non-env invariants (tries, backoff) are checked
// here too so a bad schedule fails at configuration time, not mid-retry.
func (c *Config) Validate(need ...Option) error {
	var missing []string

	for _, opt := range need {
		switch opt {
		case Broker:
			if c.AMQPHost == "" {
				missing = append(missing, "AMQP_HOST")
			}
			if c.AMQPPort == 0 {
				missing = append(missing, "AMQP_PORT")
			}
			if c.AMQPUser == "" {
				missing = append(missing, "AMQP_USER")
			}
			if c.AMQPPass == "" {
				missing = append(missing, "AMQP_PASS")
			}
			if c.Project == "" {
				missing = append(missing, "AMQP_PROJECT")
			}
			if c.ConsumerID == "" {
				missing = append(missing, "AMQP_MICROSERVICE_NAME")
			}
		case DB:
			if c.DBHost == "" {
				missing = append(missing, "DB_BOX_HOST")
			}
			if c.DBPort == 0 {
				missing = append(missing, "DB_BOX_PORT")
			}
			if c.DBName == "" {
				missing = append(missing, "DB_BOX_NAME")
			}
			if c.DBUser == "" {
				missing = append(missing, "DB_BOX_USER")
			}
			if c.DBPass == "" {
				missing = append(missing, "DB_BOX_PASS")
			}
		}
	}

	if len(missing) > 0 {
		return &MissingConfigError{Keys: missing}
	}

	if c.Tries < 1 {
		return fmt.Errorf("AMQP_TRIES must be >= 1, got %d", c.Tries)
	}
	if c.Backoff != nil && len(c.Backoff) == 0 {
		return fmt.Errorf("AMQP_BACKOFF must not be an empty schedule")
	}
	for _, s := range c.Backoff {
		if s < 0 {
			return fmt.Errorf("AMQP_BACKOFF values must be >= 0, got %d", s)
		}
	}
	return nil
}

// ProducerID is the app_id stamped on every published envelope.
func (c *Config) ProducerID() string {
	return c.Project + "." + c.ConsumerID
}

// QueueName is the durable service queue for this consumer.
func (c *Config) QueueName() string {
	return c.Project + "." + c.ConsumerID
}

// FailedQueueName is the dead-letter queue holding exhausted envelopes.
func (c *Config) FailedQueueName() string {
	return c.QueueName() + ".failed"
}

// AMQPURL builds the broker DSN. Credentials are escaped so special
// characters survive.
func (c *Config) AMQPURL() string {
	u := &url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", c.AMQPHost, c.AMQPPort),
		Path:   c.AMQPVHost,
	}
	if c.AMQPUser != "" {
		u.User = url.UserPassword(c.AMQPUser, c.AMQPPass)
	}
	return u.String()
}

// DatabaseURL builds the Postgres DSN for the event store.
func (c *Config) DatabaseURL() string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBUser != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPass)
	}
	q := url.Values{}
	q.Set("sslmode", getEnv("DB_BOX_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// getIntList parses a comma-separated list of integers ("1,5,10").
func getIntList(k string, def []int) []int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return def
		}
		out = append(out, i)
	}
	return out
}
