package domain

import (
	"testing"
	"time"
)

func TestCreateRunRequestValidate(t *testing.T) {
	valid := CreateRunRequest{
		SourcePath: "100k_a.csv",
		RawTable:   "raw_data_200k",
		FinalTable: "user_metrics",
		BatchSize:  20_000,
		WebhookURL: "https://hooks.example.com/etl",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	if err := (CreateRunRequest{}).Validate(); err != nil {
		t.Fatalf("expected empty request to fall back to defaults, got %v", err)
	}

	negative := CreateRunRequest{BatchSize: -1}
	if err := negative.Validate(); err == nil {
		t.Fatal("expected validation error for negative batch_size")
	}

	sameTables := CreateRunRequest{RawTable: "t", FinalTable: "t"}
	if err := sameTables.Validate(); err == nil {
		t.Fatal("expected validation error when raw_table equals final_table")
	}

	injected := CreateRunRequest{RawTable: `raw"; DROP TABLE x; --`}
	if err := injected.Validate(); err == nil {
		t.Fatal("expected validation error for unsafe table name")
	}

	badHook := CreateRunRequest{WebhookURL: "ftp://example.com"}
	if err := badHook.Validate(); err == nil {
		t.Fatal("expected validation error for non-http webhook_url")
	}
}

func TestCheckTableNameRefusesReservedTables(t *testing.T) {
	for _, name := range []string{"pipeline_runs", "Pipeline_Runs", "pg_class", "PG_roles", ""} {
		if err := CheckTableName(name); err == nil {
			t.Fatalf("expected %q to be refused", name)
		}
	}
	if err := CheckTableName("user_metrics"); err != nil {
		t.Fatalf("expected user_metrics to be accepted, got %v", err)
	}

	history := CreateRunRequest{FinalTable: RunHistoryTable}
	if err := history.Validate(); err == nil {
		t.Fatal("expected validation error for the run history table")
	}
}

func TestStatusForStage(t *testing.T) {
	if got := StatusForStage(StageIngest); got != RunStatusIngesting {
		t.Fatalf("expected %s, got %s", RunStatusIngesting, got)
	}
	if got := StatusForStage(StageTransform); got != RunStatusTransforming {
		t.Fatalf("expected %s, got %s", RunStatusTransforming, got)
	}
	if got := StatusForStage(StagePublish); got != RunStatusPublishing {
		t.Fatalf("expected %s, got %s", RunStatusPublishing, got)
	}
}

func TestTableCellsExcludesHeader(t *testing.T) {
	table := Table{
		Columns: MetricColumns,
		Rows: [][]any{
			UserMetric{UserName: "bob", FirstTimestampUTC: time.Unix(1, 0).UTC()}.Values(),
			UserMetric{UserName: "alice"}.Values(),
		},
	}
	if got := table.Cells(); got != 10 {
		t.Fatalf("expected 10 cells, got %d", got)
	}
}
