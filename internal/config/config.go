package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	API      APIConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Publish  PublishConfig
	Logging  LogConfig
	Tracing  TraceConfig
	Metrics  MetricsConfig
	Webhook  WebhookConfig
}

type APIConfig struct {
	Addr               string
	RateLimitPerMinute int

	// SourceDir confines local source paths submitted through the API.
	SourceDir string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	// Schedule is an optional cron spec; when set the worker enqueues a run on it.
	Schedule    string
	MetricsAddr string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// Validate checks credentials before any connection attempt is made.
func (d DatabaseConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(d.Name) == "" {
		missing = append(missing, "PG_DB")
	}
	if strings.TrimSpace(d.User) == "" {
		missing = append(missing, "PG_USER")
	}
	if d.Password == "" {
		missing = append(missing, "PG_PASS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required database credentials: %s", domain.ErrConfiguration, strings.Join(missing, ", "))
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: invalid PG_PORT %d", domain.ErrConfiguration, d.Port)
	}
	return nil
}

// DSN renders a lib/pq connection URL.
func (d DatabaseConfig) DSN() string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

type PipelineConfig struct {
	SourcePath string
	BatchSize  int
	RawTable   string
	FinalTable string
}

func (p PipelineConfig) Validate() error {
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("%w: source path is required", domain.ErrConfiguration)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrConfiguration, p.BatchSize)
	}
	if strings.TrimSpace(p.RawTable) == "" || strings.TrimSpace(p.FinalTable) == "" {
		return fmt.Errorf("%w: raw and final table names are required", domain.ErrConfiguration)
	}
	if p.RawTable == p.FinalTable {
		return fmt.Errorf("%w: raw and final table must differ", domain.ErrConfiguration)
	}
	return nil
}

// Defaults shared by the environment layer and the command-line flags.
const (
	DefaultSourcePath = "100k_a.csv"
	DefaultBatchSize  = 10_000
	DefaultRawTable   = "raw_data_200k"
	DefaultFinalTable = "user_metrics"
	DefaultSheetName  = "streaming"
	DefaultXLSXPath   = "data/published/user_metrics.xlsx"
	DefaultLogDir     = "logs"
	DefaultLogLevel   = "info"
)

const (
	PublishBackendSheets = "sheets"
	PublishBackendXLSX   = "xlsx"
	PublishBackendNone   = "none"
)

type PublishConfig struct {
	Backend         string
	SheetName       string
	WorksheetIndex  int
	CredentialsFile string
	BlockRows       int
	// WritesPerMinute caps Sheets write calls across processes via Redis; 0 disables it.
	WritesPerMinute  int
	XLSXPath         string
	ArchiveToStorage bool
}

func (p PublishConfig) Validate() error {
	switch p.Backend {
	case PublishBackendNone:
		return nil
	case PublishBackendSheets:
		if strings.TrimSpace(p.SheetName) == "" {
			return fmt.Errorf("%w: GSHEET_NAME is required for the sheets publisher", domain.ErrConfiguration)
		}
		if strings.TrimSpace(p.CredentialsFile) == "" {
			return fmt.Errorf("%w: GOOGLE_CREDENTIALS_FILE is required for the sheets publisher", domain.ErrConfiguration)
		}
		if p.WorksheetIndex < 0 {
			return fmt.Errorf("%w: worksheet index must not be negative", domain.ErrConfiguration)
		}
		return nil
	case PublishBackendXLSX:
		if strings.TrimSpace(p.XLSXPath) == "" {
			return fmt.Errorf("%w: XLSX_OUTPUT_PATH is required for the xlsx publisher", domain.ErrConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown publish backend %q", domain.ErrConfiguration, p.Backend)
	}
}

type LogConfig struct {
	Dir   string
	File  string
	Level string
}

type TraceConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type MetricsConfig struct {
	PushgatewayURL string
	JobName        string
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

// flagKeys maps CLI flag names onto the environment keys they override.
var flagKeys = map[string]string{
	"csv":         "PIPELINE_CSV",
	"chunksize":   "PIPELINE_CHUNKSIZE",
	"raw_table":   "PIPELINE_RAW_TABLE",
	"final_table": "PIPELINE_FINAL_TABLE",
	"sheet":       "GSHEET_NAME",
	"worksheet":   "GSHEET_WORKSHEET_INDEX",
	"publisher":   "PUBLISH_BACKEND",
	"xlsx":        "XLSX_OUTPUT_PATH",
	"log-level":   "LOG_LEVEL",
	"log-dir":     "LOG_DIR",
}

func Load() Config {
	return LoadWithFlags(nil)
}

// LoadWithFlags reads .env, then the process environment, then any flags
// in fs that were explicitly set.
func LoadWithFlags(fs *pflag.FlagSet) Config {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	return Config{
		API: APIConfig{
			Addr:               v.GetString("METRICFLOW_API_ADDR"),
			RateLimitPerMinute: v.GetInt("API_RATE_LIMIT_PER_MINUTE"),
			SourceDir:          v.GetString("API_SOURCE_DIR"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Schedule:    strings.TrimSpace(v.GetString("PIPELINE_SCHEDULE")),
			MetricsAddr: v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("PG_HOST"),
			Port:     v.GetInt("PG_PORT"),
			Name:     v.GetString("PG_DB"),
			User:     v.GetString("PG_USER"),
			Password: v.GetString("PG_PASS"),
			SSLMode:  v.GetString("PG_SSLMODE"),
		},
		Pipeline: PipelineConfig{
			SourcePath: v.GetString("PIPELINE_CSV"),
			BatchSize:  v.GetInt("PIPELINE_CHUNKSIZE"),
			RawTable:   v.GetString("PIPELINE_RAW_TABLE"),
			FinalTable: v.GetString("PIPELINE_FINAL_TABLE"),
		},
		Publish: PublishConfig{
			Backend:          strings.ToLower(strings.TrimSpace(v.GetString("PUBLISH_BACKEND"))),
			SheetName:        v.GetString("GSHEET_NAME"),
			WorksheetIndex:   v.GetInt("GSHEET_WORKSHEET_INDEX"),
			CredentialsFile:  v.GetString("GOOGLE_CREDENTIALS_FILE"),
			BlockRows:        v.GetInt("GSHEET_BLOCK_ROWS"),
			WritesPerMinute:  v.GetInt("GSHEET_WRITES_PER_MINUTE"),
			XLSXPath:         v.GetString("XLSX_OUTPUT_PATH"),
			ArchiveToStorage: v.GetBool("XLSX_ARCHIVE"),
		},
		Logging: LogConfig{
			Dir:   v.GetString("LOG_DIR"),
			File:  v.GetString("LOG_FILE"),
			Level: v.GetString("LOG_LEVEL"),
		},
		Tracing: TraceConfig{
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			Exporter:     v.GetString("TRACE_EXPORTER"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: v.GetString("METRICS_PUSHGATEWAY_URL"),
			JobName:        v.GetString("METRICS_JOB_NAME"),
		},
		Webhook: WebhookConfig{
			URL:           v.GetString("WEBHOOK_URL"),
			SigningSecret: v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:       v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:   v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("METRICFLOW_API_ADDR", ":8080")
	v.SetDefault("API_RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("API_SOURCE_DIR", ".")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")
	v.SetDefault("PIPELINE_SCHEDULE", "")
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "metricflow")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("PG_HOST", "localhost")
	v.SetDefault("PG_PORT", 5432)
	v.SetDefault("PG_DB", "")
	v.SetDefault("PG_USER", "")
	v.SetDefault("PG_PASS", "")
	v.SetDefault("PG_SSLMODE", "disable")

	v.SetDefault("PIPELINE_CSV", DefaultSourcePath)
	v.SetDefault("PIPELINE_CHUNKSIZE", DefaultBatchSize)
	v.SetDefault("PIPELINE_RAW_TABLE", DefaultRawTable)
	v.SetDefault("PIPELINE_FINAL_TABLE", DefaultFinalTable)

	v.SetDefault("PUBLISH_BACKEND", PublishBackendSheets)
	v.SetDefault("GSHEET_NAME", DefaultSheetName)
	v.SetDefault("GSHEET_WORKSHEET_INDEX", 0)
	v.SetDefault("GOOGLE_CREDENTIALS_FILE", "google_service_account.json")
	v.SetDefault("GSHEET_BLOCK_ROWS", 10_000)
	v.SetDefault("GSHEET_WRITES_PER_MINUTE", 0)
	v.SetDefault("XLSX_OUTPUT_PATH", DefaultXLSXPath)
	v.SetDefault("XLSX_ARCHIVE", false)

	v.SetDefault("LOG_DIR", DefaultLogDir)
	v.SetDefault("LOG_FILE", "pipeline.log")
	v.SetDefault("LOG_LEVEL", DefaultLogLevel)

	v.SetDefault("OTEL_SERVICE_NAME", "metricflow")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)

	v.SetDefault("METRICS_PUSHGATEWAY_URL", "")
	v.SetDefault("METRICS_JOB_NAME", "metricflow")

	v.SetDefault("WEBHOOK_URL", "")
	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
}
