package config

import "time"

type AppConfig struct {
	DBDriver      string          `yaml:"db_driver" env:"TIPLINE_DB_DRIVER" env-default:"sqlite"`
	DBURL         string          `yaml:"db_url" env:"TIPLINE_DB_URL"`
	DBPath        string          `yaml:"db_path" env:"TIPLINE_DB_PATH" env-default:"data/tipline.db"`
	ListenAddr    string          `yaml:"listen_addr" env:"TIPLINE_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv        string          `yaml:"app_env" env:"TIPLINE_APP_ENV"`
	ShutdownGrace time.Duration   `yaml:"shutdown_grace" env:"TIPLINE_SHUTDOWN_GRACE" env-default:"15s"`
	Ncmec         NcmecConfig     `yaml:"ncmec"`
	Incidents     IncidentsConfig `yaml:"incidents"`
	Jobs          JobsConfig      `yaml:"jobs"`
}

type NcmecConfig struct {
	Environment     string        `yaml:"environment" env:"TIPLINE_NCMEC_ENVIRONMENT" env-default:"test"`
	Username        string        `yaml:"username" env:"TIPLINE_NCMEC_USERNAME"`
	Password        string        `yaml:"password" env:"TIPLINE_NCMEC_PASSWORD"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"TIPLINE_NCMEC_REQUEST_TIMEOUT" env-default:"60s"`
	ContactEmail    string        `yaml:"contact_email" env:"TIPLINE_NCMEC_CONTACT_EMAIL"`
	ContactPersonID int64         `yaml:"contact_person_id" env:"TIPLINE_NCMEC_CONTACT_PERSON_ID"`
	XSDCacheDir     string        `yaml:"xsd_cache_dir" env:"TIPLINE_NCMEC_XSD_CACHE_DIR" env-default:"data/cache"`
	XSDCacheTTL     time.Duration `yaml:"xsd_cache_ttl" env:"TIPLINE_NCMEC_XSD_CACHE_TTL" env-default:"24h"`
}

const (
	ncmecLiveBase = "https://report.cybertip.org/ispws"
	ncmecTestBase = "https://exttest.cybertip.org/ispws"
)

// BaseURL resolves the intake endpoint base for the configured environment.
// Anything other than an explicit "live" stays on the test host.
func (c NcmecConfig) BaseURL() string {
	if c.Environment == "live" {
		return ncmecLiveBase
	}
	return ncmecTestBase
}

type IncidentsConfig struct {
	PlatformName       string `yaml:"platform_name" env:"TIPLINE_PLATFORM_NAME" env-default:"Tipline Community"`
	ForumBaseURL       string `yaml:"forum_base_url" env:"TIPLINE_FORUM_BASE_URL"`
	CollectWindowHours int    `yaml:"collect_window_hours" env:"TIPLINE_COLLECT_WINDOW_HOURS" env-default:"72"`
	DeleteReason       string `yaml:"delete_reason" env:"TIPLINE_DELETE_REASON" env-default:"CSAM evidence purge"`
	AttachmentDir      string `yaml:"attachment_dir" env:"TIPLINE_ATTACHMENT_DIR" env-default:"data/attachments"`
}

// CollectWindow converts the configured hour window to the collector's
// granularity. Zero means unbounded.
func (c IncidentsConfig) CollectWindow() time.Duration {
	if c.CollectWindowHours <= 0 {
		return 0
	}
	return time.Duration(c.CollectWindowHours) * time.Hour
}

type JobsConfig struct {
	Enabled             bool          `yaml:"enabled" env:"TIPLINE_JOBS_ENABLED" env-default:"true"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"TIPLINE_JOBS_POLL_INTERVAL" env-default:"2s"`
	TickBudget          time.Duration `yaml:"tick_budget" env:"TIPLINE_JOBS_TICK_BUDGET" env-default:"25s"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" env:"TIPLINE_JOBS_RETRY_BACKOFF" env-default:"30s"`
	RetentionCron       string        `yaml:"retention_cron" env:"TIPLINE_JOBS_RETENTION_CRON" env-default:"@hourly"`
	APILogRetentionDays int           `yaml:"api_log_retention_days" env:"TIPLINE_API_LOG_RETENTION_DAYS" env-default:"365"`
}
