package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	RunStatusCreated      = "created"
	RunStatusQueued       = "queued"
	RunStatusIngesting    = "ingesting"
	RunStatusTransforming = "transforming"
	RunStatusPublishing   = "publishing"
	RunStatusSucceeded    = "succeeded"
	RunStatusFailed       = "failed"

	StageIngest    = "ingest"
	StageTransform = "transform"
	StagePublish   = "publish"

	// ObjectSourcePrefix marks a source path that lives in object storage.
	ObjectSourcePrefix = "s3://"

	// RunHistoryTable holds run records and is never a staging or
	// destination table.
	RunHistoryTable = "pipeline_runs"
)

type CreateRunRequest struct {
	SourcePath string `json:"source_path,omitempty"`
	RawTable   string `json:"raw_table,omitempty"`
	FinalTable string `json:"final_table,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	Publish    *bool  `json:"publish,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type Run struct {
	ID          string
	Status      string
	Stage       string
	SourcePath  string
	RawTable    string
	FinalTable  string
	BatchSize   int
	RawRows     int64
	UniqueUsers int
	Error       string
	WebhookURL  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the run reached SUCCESS or FAILED.
func (r Run) Terminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}

// StatusForStage maps a pipeline stage to the run status shown while it executes.
func StatusForStage(stage string) string {
	switch stage {
	case StageIngest:
		return RunStatusIngesting
	case StageTransform:
		return RunStatusTransforming
	case StagePublish:
		return RunStatusPublishing
	default:
		return RunStatusCreated
	}
}

func (r CreateRunRequest) Validate() error {
	if r.BatchSize < 0 {
		return errors.New("batch_size must not be negative")
	}
	if r.RawTable != "" {
		if err := CheckTableName(r.RawTable); err != nil {
			return fmt.Errorf("raw_table: %w", err)
		}
	}
	if r.FinalTable != "" {
		if err := CheckTableName(r.FinalTable); err != nil {
			return fmt.Errorf("final_table: %w", err)
		}
	}
	if r.RawTable != "" && r.RawTable == r.FinalTable {
		return errors.New("raw_table and final_table must differ")
	}
	if hook := strings.TrimSpace(r.WebhookURL); hook != "" {
		u, err := url.Parse(hook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// CheckTableName accepts a plain identifier that the pipeline may drop and
// recreate. The run history table and system catalogs are refused.
func CheckTableName(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	if len(name) > 63 {
		return errors.New("must be at most 63 characters")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("invalid character %q", r)
		}
	}
	lower := strings.ToLower(name)
	if lower == RunHistoryTable {
		return fmt.Errorf("%s is reserved for run history", name)
	}
	if strings.HasPrefix(lower, "pg_") {
		return errors.New("pg_ names are reserved by the database")
	}
	return nil
}
