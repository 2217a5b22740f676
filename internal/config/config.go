// Package config loads the engine's JSON configuration, generalized from
// the teacher's config.AppConfig (LoadConfig/setDefaults/validate triad,
// same open-decode-close pattern) from an SMTP-campaign shape to
// SPEC_FULL.md section 4.9's flat key set: email provider selection,
// object-store credentials, destination API auth, polling cadence, and
// worker/lease tuning.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EmailProvider selects which transport.Transport driver is bound at
// startup.
type EmailProvider string

const (
	ProviderPOP3 EmailProvider = "pop3"
	ProviderIMAP EmailProvider = "imap"
	ProviderMock EmailProvider = "mock"
)

// EmailConfig names the provider and every credential triple a provider
// might need; only the selected Provider's fields are required.
type EmailConfig struct {
	Provider EmailProvider `json:"provider"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"useTLS"`
	Mailbox  string `json:"mailbox"`

	ReplyHost     string `json:"replyHost"`
	ReplyPort     int    `json:"replyPort"`
	ReplyUsername string `json:"replyUsername"`
	ReplyPassword string `json:"replyPassword"`
	ReplyFrom     string `json:"replyFrom"`
}

// ObjectStoreConfig names the S3-compatible bucket attachments land in.
type ObjectStoreConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	SSL       bool   `json:"ssl"`
}

// APIConfig names the destination HTTP API batches are dispatched to.
type APIConfig struct {
	BaseURL        string `json:"baseUrl"`
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"apiKey"`
	BearerToken    string `json:"bearerToken"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// EmailPollingConfig controls the Scheduler's C4 recurring fire.
type EmailPollingConfig struct {
	CronExpression string `json:"cronExpression"`
}

// JobsConfig controls the Worker Runtime's pool shape and the Job Store's
// key namespace.
type JobsConfig struct {
	WorkerCount        int   `json:"workerCount"`
	RetryDelaysSeconds []int `json:"retryDelaysSeconds"`
	LeaseTTLSeconds    int   `json:"leaseTtlSeconds"`
	KeyPrefix          string `json:"keyPrefix"`
}

// BackendConfig selects and configures the Job Store driver.
type BackendConfig struct {
	Kind     string `json:"kind"` // "bolt" or "redis"
	BoltPath string `json:"boltPath"`
	RedisURL string `json:"redisUrl"`
}

// ControlConfig names the control-plane listen address.
type ControlConfig struct {
	Port int `json:"port"`
}

// LogConfig mirrors the teacher's LogConfig shape, trimmed to the fields
// logx actually consumes.
type LogConfig struct {
	Level string `json:"level"`
}

// AppConfig is the engine's top-level configuration document.
type AppConfig struct {
	Email        EmailConfig        `json:"email"`
	ObjectStore  ObjectStoreConfig  `json:"objectStore"`
	API          APIConfig          `json:"api"`
	EmailPolling EmailPollingConfig `json:"emailPolling"`
	Jobs         JobsConfig         `json:"jobs"`
	Backend      BackendConfig      `json:"backend"`
	Control      ControlConfig      `json:"control"`
	Log          LogConfig          `json:"log"`
}

// LoadConfig reads JSON config from disk, applies defaults, validates it,
// and returns the parsed AppConfig. It never terminates the process;
// callers surface a jobstore.Fatal-classified error and exit themselves.
func LoadConfig(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer file.Close()

	var cfg AppConfig
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config JSON: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *AppConfig) setDefaults() {
	if c.Email.Provider == "" {
		c.Email.Provider = ProviderMock
	}
	if c.Email.Mailbox == "" {
		c.Email.Mailbox = "INBOX"
	}

	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 30
	}

	if c.EmailPolling.CronExpression == "" {
		c.EmailPolling.CronExpression = "*/5 * * * *"
	}

	if c.Jobs.WorkerCount == 0 {
		c.Jobs.WorkerCount = 4
	}
	if len(c.Jobs.RetryDelaysSeconds) == 0 {
		c.Jobs.RetryDelaysSeconds = []int{300, 600, 900}
	}
	if c.Jobs.LeaseTTLSeconds == 0 {
		c.Jobs.LeaseTTLSeconds = 120
	}
	if c.Jobs.KeyPrefix == "" {
		c.Jobs.KeyPrefix = "batchflow"
	}

	if c.Backend.Kind == "" {
		c.Backend.Kind = "bolt"
	}
	if c.Backend.BoltPath == "" {
		c.Backend.BoltPath = "batchflow.db"
	}

	if c.Control.Port == 0 {
		c.Control.Port = 8080
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *AppConfig) validate() error {
	switch c.Email.Provider {
	case ProviderMock:
	case ProviderPOP3, ProviderIMAP:
		if c.Email.Host == "" {
			return fmt.Errorf("email.host is required for provider %q", c.Email.Provider)
		}
		if c.Email.Username == "" {
			return fmt.Errorf("email.username is required for provider %q", c.Email.Provider)
		}
	default:
		return fmt.Errorf("email.provider must be one of pop3, imap, mock, got %q", c.Email.Provider)
	}

	if c.Backend.Kind != "bolt" && c.Backend.Kind != "redis" {
		return fmt.Errorf("backend.kind must be one of bolt, redis, got %q", c.Backend.Kind)
	}
	if c.Backend.Kind == "redis" && c.Backend.RedisURL == "" {
		return fmt.Errorf("backend.redisUrl is required when backend.kind is redis")
	}

	if c.Jobs.WorkerCount <= 0 || c.Jobs.WorkerCount > 256 {
		return fmt.Errorf("jobs.workerCount must be between 1 and 256")
	}
	if c.Jobs.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("jobs.leaseTtlSeconds must be positive")
	}

	return nil
}

// RetryDelays converts Jobs.RetryDelaysSeconds into time.Duration, the
// shape the Worker Runtime consumes.
func (j JobsConfig) RetryDelays() []time.Duration {
	out := make([]time.Duration, len(j.RetryDelaysSeconds))
	for i, s := range j.RetryDelaysSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// LeaseTTL converts Jobs.LeaseTTLSeconds into a time.Duration.
func (j JobsConfig) LeaseTTL() time.Duration {
	return time.Duration(j.LeaseTTLSeconds) * time.Second
}

// APITimeout converts API.TimeoutSeconds into a time.Duration.
func (a APIConfig) APITimeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}
