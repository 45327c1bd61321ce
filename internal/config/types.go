package config

// Config is the broadcastd configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "5m"). Secrets may be
// left empty in the file and supplied through BROADCASTD_* variables or a
// .env file next to it.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Forwarding ForwardingConfig `json:"forwarding"`
	Report     ReportConfig     `json:"report"`
	Lock       LockConfig       `json:"lock"`
	HTTP       HTTPConfig       `json:"http"`
	Transports TransportsConfig `json:"transports"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Sink    LoggingSinkConfig `json:"sink"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSinkConfig mirrors warn+ log lines to one transport destination.
type LoggingSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	Backend    string `json:"backend"`
	Identity   string `json:"identity"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | postgres
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
	MaxConns    int    `json:"max_conns"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
	// Dispatch is the cycle schedule (cron, @every, duration or HH:MM).
	Dispatch        string `json:"dispatch"`
	DispatchTimeout string `json:"dispatch_timeout"`
}

type DispatchConfig struct {
	BatchSize   int     `json:"batch_size"`
	RatePerSec  float64 `json:"rate_per_sec"`
	SendTimeout string  `json:"send_timeout"`
	ClaimTTL    string  `json:"claim_ttl"`
}

type ForwardingConfig struct {
	Enabled bool `json:"enabled"`
}

type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	// Group receives the monthly summary. Empty means log only.
	Group string `json:"group"`
}

type LockConfig struct {
	Driver   string `json:"driver"` // none | redis
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
	TTL      string `json:"ttl"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	// InboundToken, when set, is required as a bearer token on /v1/inbound.
	InboundToken string `json:"inbound_token"`
	Pprof        bool   `json:"pprof"`

	// ConfirmationsGroup is left out of recent broadcast bodies unless asked for.
	ConfirmationsGroup string `json:"confirmations_group"`
}

type TransportsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
	AMQP     AMQPConfig     `json:"amqp"`
	Log      LogSinkConfig  `json:"log"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Timeout string `json:"timeout"`
}

type AMQPConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	OutboundQueue string `json:"outbound_queue"`
	InboundQueue  string `json:"inbound_queue"`
}

type LogSinkConfig struct {
	Enabled bool `json:"enabled"`
}
