package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML/TOML overlay. Empty fields keep the
// environment value.
type FileConfig struct {
	Webhook    WebhookFileConfig    `yaml:"webhook" toml:"webhook"`
	Queue      QueueFileConfig      `yaml:"queue" toml:"queue"`
	Store      StoreFileConfig      `yaml:"store" toml:"store"`
	Records    RecordsFileConfig    `yaml:"records" toml:"records"`
	Transcribe TranscribeFileConfig `yaml:"transcribe" toml:"transcribe"`
	Worker     WorkerFileConfig     `yaml:"worker" toml:"worker"`
}

type WebhookFileConfig struct {
	Port   string `yaml:"port" toml:"port"`
	Secret string `yaml:"secret" toml:"secret"`
}

type QueueFileConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	Name      string `yaml:"name" toml:"name"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
	AMQPURL   string `yaml:"amqp_url" toml:"amqp_url"`
}

type StoreFileConfig struct {
	Backend     string `yaml:"backend" toml:"backend"`
	SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url" toml:"database_url"`
}

type RecordsFileConfig struct {
	Backend     string            `yaml:"backend" toml:"backend"`
	CodaDocID   string            `yaml:"coda_doc_id" toml:"coda_doc_id"`
	CodaTableID string            `yaml:"coda_table_id" toml:"coda_table_id"`
	XLSXPath    string            `yaml:"xlsx_path" toml:"xlsx_path"`
	XLSXSheet   string            `yaml:"xlsx_sheet" toml:"xlsx_sheet"`
	IDColumn    string            `yaml:"id_column" toml:"id_column"`
	Columns     map[string]string `yaml:"columns" toml:"columns"`
}

type TranscribeFileConfig struct {
	Engine       string `yaml:"engine" toml:"engine"`
	WhisperURL   string `yaml:"whisper_url" toml:"whisper_url"`
	WhisperModel string `yaml:"whisper_model" toml:"whisper_model"`
	GatewayURL   string `yaml:"gateway_url" toml:"gateway_url"`
	Timeout      string `yaml:"timeout" toml:"timeout"`
}

type WorkerFileConfig struct {
	Concurrency     *int   `yaml:"concurrency" toml:"concurrency"`
	MaxAttempts     *int   `yaml:"max_attempts" toml:"max_attempts"`
	BackoffInitial  string `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax      string `yaml:"backoff_max" toml:"backoff_max"`
	FetchMaxBytes   *int64 `yaml:"fetch_max_bytes" toml:"fetch_max_bytes"`
	FetchTimeout    string `yaml:"fetch_timeout" toml:"fetch_timeout"`
	LeaseTimeout    string `yaml:"lease_timeout" toml:"lease_timeout"`
	SweepSchedule   string `yaml:"sweep_schedule" toml:"sweep_schedule"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, f *FileConfig) error {
	if f == nil {
		return nil
	}
	setString(&cfg.Port, f.Webhook.Port)
	setString(&cfg.WebhookSecret, f.Webhook.Secret)

	setString(&cfg.QueueBackend, f.Queue.Backend)
	setString(&cfg.QueueName, f.Queue.Name)
	setString(&cfg.RedisAddr, f.Queue.RedisAddr)
	setString(&cfg.AMQPURL, f.Queue.AMQPURL)

	setString(&cfg.StoreBackend, f.Store.Backend)
	setString(&cfg.SQLitePath, f.Store.SQLitePath)
	setString(&cfg.DatabaseURL, f.Store.DatabaseURL)

	setString(&cfg.RecordBackend, f.Records.Backend)
	setString(&cfg.CodaDocID, f.Records.CodaDocID)
	setString(&cfg.CodaTableID, f.Records.CodaTableID)
	setString(&cfg.XLSXPath, f.Records.XLSXPath)
	setString(&cfg.XLSXSheet, f.Records.XLSXSheet)
	setString(&cfg.XLSXIDColumn, f.Records.IDColumn)
	for key, col := range f.Records.Columns {
		switch key {
		case "audio_url":
			setString(&cfg.Columns.AudioURL, col)
		case "status":
			setString(&cfg.Columns.Status, col)
		case "transcript":
			setString(&cfg.Columns.Transcript, col)
		case "summary":
			setString(&cfg.Columns.Summary, col)
		case "processed_date":
			setString(&cfg.Columns.ProcessedDate, col)
		case "report":
			setString(&cfg.Columns.Report, col)
		default:
			return fmt.Errorf("unknown records.columns key %q", key)
		}
	}

	setString(&cfg.TranscribeEngine, f.Transcribe.Engine)
	setString(&cfg.WhisperAPIURL, f.Transcribe.WhisperURL)
	setString(&cfg.WhisperModel, f.Transcribe.WhisperModel)
	setString(&cfg.TranscribeURL, f.Transcribe.GatewayURL)
	if err := setDuration(&cfg.TranscribeTimeout, "transcribe.timeout", f.Transcribe.Timeout); err != nil {
		return err
	}

	if f.Worker.Concurrency != nil {
		cfg.WorkerConcurrency = *f.Worker.Concurrency
	}
	if f.Worker.MaxAttempts != nil {
		cfg.StageMaxAttempts = *f.Worker.MaxAttempts
	}
	if f.Worker.FetchMaxBytes != nil {
		cfg.FetchMaxBytes = *f.Worker.FetchMaxBytes
	}
	setString(&cfg.SweepSchedule, f.Worker.SweepSchedule)
	durations := []struct {
		dst   *time.Duration
		field string
		value string
	}{
		{&cfg.StageBackoffInitial, "worker.backoff_initial", f.Worker.BackoffInitial},
		{&cfg.StageBackoffMax, "worker.backoff_max", f.Worker.BackoffMax},
		{&cfg.FetchTimeout, "worker.fetch_timeout", f.Worker.FetchTimeout},
		{&cfg.LeaseTimeout, "worker.lease_timeout", f.Worker.LeaseTimeout},
		{&cfg.ShutdownTimeout, "worker.shutdown_timeout", f.Worker.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.field, d.value); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = parsed
	return nil
}
