package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Local & deployment secrets (fill up for local development)
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`
	APIBaseURL         string `envconfig:"API_BASE_URL" default:"http://localhost:8000"`
	Environment        string `envconfig:"ENV" default:"development"`
	Port               string `envconfig:"PORT" default:"8080"`

	// API session cache: reload the cached user after SESSION_REFRESH_AFTER, drop idle sessions.
	SessionRefreshAfter time.Duration `envconfig:"SESSION_REFRESH_AFTER" default:"30s"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// External API client settings
	APITimeout    time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	UploadTimeout time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"120s"`
	HealthTimeout time.Duration `envconfig:"HEALTH_TIMEOUT" default:"10s"`

	// Job poller settings
	MaxUploadBytes     int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	PollTimeout        time.Duration `envconfig:"POLL_TIMEOUT" default:"300s"`
	PollRetryTransient bool          `envconfig:"POLL_RETRY_TRANSIENT" default:"false"`

	// Subscription reconciliation settings
	ReconcileMaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"20"`
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1500ms"`
	PendingHintTTL       time.Duration `envconfig:"PENDING_HINT_TTL" default:"1h"`
	SynthesizedPeriod    time.Duration `envconfig:"SYNTHESIZED_PERIOD" default:"720h"`

	// Stripe price IDs for paid plans. A plan without a price ID cannot be purchased.
	StripePriceStudent    string `envconfig:"STRIPE_PRICE_STUDENT"`
	StripePriceResearcher string `envconfig:"STRIPE_PRICE_RESEARCHER"`
	// Secret key used to verify content payment intents. Empty leaves verification to the backend.
	StripeSecretKey string `envconfig:"STRIPE_SECRET_KEY"`

	// Export storage (S3 compatible)
	S3URL        string        `envconfig:"S3_URL"`
	S3Bucket     string        `envconfig:"S3_BUCKET" default:"exports"`
	S3Region     string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey  string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey  string        `envconfig:"S3_SECRET_KEY"`
	ExportURLTTL time.Duration `envconfig:"EXPORT_URL_TTL" default:"15m"`

	// GCP (events + secrets). Both are optional; empty project disables them.
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	PubSubEmulatorHost string `envconfig:"PUBSUB_EMULATOR_HOST"`
	PubSubEventsTopic  string `envconfig:"PUBSUB_EVENTS_TOPIC" default:"researchdesk-events"`
	APITokenSecretName string `envconfig:"API_TOKEN_SECRET_NAME"`

	// pgmq queue in the application database, used for events when GCP is not set.
	EventsQueue string `envconfig:"EVENTS_QUEUE"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StorageEnabled reports whether S3 export uploads are configured.
func (c *Config) StorageEnabled() bool {
	return c.S3URL != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// EventsEnabled reports whether domain events should be published to Pub/Sub.
func (c *Config) EventsEnabled() bool {
	return c.GCPProjectID != ""
}

// QueueEventsEnabled reports whether domain events go to the pgmq queue instead.
func (c *Config) QueueEventsEnabled() bool {
	return !c.EventsEnabled() && c.EventsQueue != ""
}
