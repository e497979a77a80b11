package config

// Shared configuration structs. All config files are JSON; each registry
// directory holds one file per id (handlers are one file per user).

// HandlerConfig describes one handler binding within a user's handler file,
// keyed by request type.
type HandlerConfig struct {
	RequestType  string         `json:"request_type"`
	HandlerClass string         `json:"handler_class"`
	Config       map[string]any `json:"config,omitempty"`
	TTLMinutes   int            `json:"ttl_minutes,omitempty"`
	Description  string         `json:"description,omitempty"`
	Enabled      bool           `json:"enabled"`
	IsPython     bool           `json:"is_python,omitempty"`
}

// SSLConfig carries transport security material for a broker connection.
// Either a PEM triple or a keystore/truststore pair, selected by Format.
type SSLConfig struct {
	Enabled  bool      `json:"enabled"`
	Format   SSLFormat `json:"format,omitempty"`
	Protocol string    `json:"protocol,omitempty"` // default TLSv1.3

	// PEM material (paths).
	CACert     string `json:"ca_cert,omitempty"`
	ClientCert string `json:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty"`

	// Keystore material (JKS/PKCS12 paths).
	Keystore           string `json:"keystore,omitempty"`
	KeystorePassword   string `json:"keystore_password,omitempty"`
	Truststore         string `json:"truststore,omitempty"`
	TruststorePassword string `json:"truststore_password,omitempty"`

	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// BrokerConfig is one broker definition (config/brokers/<id>.json).
type BrokerConfig struct {
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"type"`
	Description    string         `json:"description,omitempty"`
	Enabled        bool           `json:"enabled"`
	Connection     map[string]any `json:"connection,omitempty"`
	SSL            *SSLConfig     `json:"ssl,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	Authentication map[string]any `json:"authentication,omitempty"`
	SchemaRegistry map[string]any `json:"schema_registry,omitempty"`
}

// BrokerType returns the normalized adapter type.
func (b *BrokerConfig) BrokerType() BrokerType {
	return NormalizeBrokerType(b.Type)
}

// Destination names one topic/queue/directory/table on a channel.
type Destination struct {
	Name string          `json:"name"`
	Type DestinationType `json:"type"`
}

// QueueSettings bounds a subscriber's internal queue.
type QueueSettings struct {
	Depth               int `json:"depth,omitempty"`
	WarningThresholdPct int `json:"warning_threshold_pct,omitempty"`
	CriticalThresholdPt int `json:"critical_threshold_pct,omitempty"`
	DrainResumePct      int `json:"drain_resume_pct,omitempty"`
}

// RetrySettings controls publish retry behavior on a channel.
type RetrySettings struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BackoffMs         int     `json:"backoff_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// ChannelConfig binds a broker to a set of destinations
// (config/input-channels/<id>.json and config/output-channels/<id>.json).
type ChannelConfig struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type,omitempty"` // defaults to the broker's type
	Broker       string         `json:"broker"`
	Description  string         `json:"description,omitempty"`
	Enabled      bool           `json:"enabled"`
	Destinations []Destination  `json:"destinations,omitempty"`
	Queue        *QueueSettings `json:"queue,omitempty"`
	Retry        *RetrySettings `json:"retry,omitempty"`
	SSL          *SSLConfig     `json:"ssl,omitempty"`
	Overrides    map[string]any `json:"overrides,omitempty"`
}

// IngesterConfig scopes a consumer onto an input channel
// (config/ingesters/<id>.json).
type IngesterConfig struct {
	ID           string         `json:"id,omitempty"`
	InputChannel string         `json:"input_channel"`
	Enabled      bool           `json:"enabled"`
	Description  string         `json:"description,omitempty"`
	Overrides    map[string]any `json:"overrides,omitempty"`
}

// ChainConfig is an ordered list of request types executed sequentially by
// the chain handler (config/chains/<id>.json).
type ChainConfig struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Stages      []string `json:"stages"`
}

// User is one entry in config/users.json.
type User struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// APIKey is one entry in config/apikeys.json.
type APIKey struct {
	Key     string `json:"key"`
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}
