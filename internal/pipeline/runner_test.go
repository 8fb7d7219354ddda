package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/metricflow/internal/aggregate"
	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/ingest"
	"github.com/dunamismax/metricflow/internal/metrics"
	"github.com/dunamismax/metricflow/internal/publish"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/dunamismax/metricflow/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// memDB is an in-memory stand-in for *store.DB covering the ingest,
// transform, and publish surfaces.
type memDB struct {
	mu      sync.Mutex
	alive   bool
	columns map[string][]string
	rows    map[string][][]any
	metrics map[string][]domain.UserMetric
}

func newMemDB() *memDB {
	return &memDB{
		alive:   true,
		columns: map[string][]string{},
		rows:    map[string][][]any{},
		metrics: map[string][]domain.UserMetric{},
	}
}

func (m *memDB) ReplaceTable(_ context.Context, table string, cols []store.Column, rows [][]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	m.columns[table] = names
	m.rows[table] = append([][]any(nil), rows...)
	return int64(len(rows)), nil
}

func (m *memDB) AppendRows(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.columns[table]; !ok {
		return 0, errors.New("relation does not exist")
	}
	m.rows[table] = append(m.rows[table], rows...)
	return int64(len(rows)), nil
}

func (m *memDB) Ping(context.Context) bool { return m.alive }

func (m *memDB) ReadRawRecords(_ context.Context, table string) ([]domain.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RawRecord
	for _, row := range m.rows[table] {
		fields := make([]string, len(row))
		for i, v := range row {
			if s, ok := v.(string); ok {
				fields[i] = s
			}
		}
		rec, err := domain.ParseRawRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memDB) ReplaceUserMetrics(_ context.Context, table string, metrics []domain.UserMetric) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[table] = metrics
	return int64(len(metrics)), nil
}

func (m *memDB) ReadTable(_ context.Context, table string) (domain.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.Table{Name: table, Columns: domain.MetricColumns}
	for _, um := range m.metrics[table] {
		out.Rows = append(out.Rows, um.Values())
	}
	return out, nil
}

type recordingRuns struct {
	*store.MemoryRunStore
	statuses []string
}

func (r *recordingRuns) UpdateStatus(ctx context.Context, id, status string) (domain.Run, error) {
	r.statuses = append(r.statuses, status)
	return r.MemoryRunStore.UpdateStatus(ctx, id, status)
}

type capturedHook struct {
	event   string
	payload webhook.RunEvent
}

type fakeHooks struct{ sent []capturedHook }

func (f *fakeHooks) Send(_ context.Context, _ string, event string, payload any) error {
	f.sent = append(f.sent, capturedHook{event: event, payload: payload.(webhook.RunEvent)})
	return nil
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newRequest(path string) RunRequest {
	return RunRequest{
		RunID:      "run-1",
		SourcePath: path,
		RawTable:   "raw_data",
		FinalTable: "user_metrics",
		BatchSize:  1,
		WebhookURL: "https://hooks.example.com/metricflow",
	}
}

func TestRunEndToEnd(t *testing.T) {
	db := newMemDB()
	out := filepath.Join(t.TempDir(), "user_metrics.xlsx")
	workbook, err := publish.NewWorkbookPublisher(out, nil, nil)
	require.NoError(t, err)

	runs := &recordingRuns{MemoryRunStore: store.NewMemoryRunStore()}
	hooks := &fakeHooks{}

	runner, err := NewRunner(Deps{
		Ingester:    ingest.NewLoader(db, nil, nil),
		Transformer: aggregate.NewTransformer(db, nil),
		Tables:      db,
		Publisher:   workbook,
		Runs:        runs,
		Webhooks:    hooks,
		Metrics:     metrics.NewPipeline(),
	})
	require.NoError(t, err)

	path := writeCSV(t, "s1,1000,Bob,5,12\ns2,2000,bob,1,3\n")
	sum, err := runner.Run(context.Background(), newRequest(path))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, sum.Status)
	assert.EqualValues(t, 2, sum.RawRows)
	assert.Equal(t, 1, sum.UniqueUsers)
	assert.True(t, sum.Published)
	assert.EqualValues(t, 5, sum.PublishedCells)

	got := db.metrics["user_metrics"]
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].UserName)
	assert.Equal(t, 9.0, got[0].TotalDuration)
	assert.EqualValues(t, 2, got[0].ActionCount)
	assert.Equal(t, time.Unix(1, 0).UTC(), got[0].FirstTimestampUTC)
	assert.Equal(t, time.Unix(2, 0).UTC(), got[0].LastTimestampUTC)

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"bob", "9", "2", "1970-01-01 00:00:01", "1970-01-01 00:00:02"}, rows[1])

	assert.Equal(t, []string{
		domain.RunStatusIngesting,
		domain.RunStatusTransforming,
		domain.RunStatusPublishing,
	}, runs.statuses)
	run, ok, err := runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.EqualValues(t, 2, run.RawRows)

	require.Len(t, hooks.sent, 1)
	assert.Equal(t, webhook.EventPipelineCompleted, hooks.sent[0].event)
	assert.Equal(t, 1, hooks.sent[0].payload.UniqueUsers)
}

type stubIngester struct {
	rows int64
	err  error
}

func (s stubIngester) Load(context.Context, ingest.Request) (int64, error) { return s.rows, s.err }

type stubTransformer struct {
	calls int
	users int
	err   error
}

func (s *stubTransformer) Run(context.Context, string, string) (int, error) {
	s.calls++
	return s.users, s.err
}

type stubPublisher struct {
	calls int
	err   error
}

func (s *stubPublisher) Name() string { return "stub" }

func (s *stubPublisher) Publish(_ context.Context, table domain.Table) error {
	s.calls++
	if err := publish.CheckCapacity(table); err != nil {
		return err
	}
	return s.err
}

func TestRunIngestFailureStopsPipeline(t *testing.T) {
	transformer := &stubTransformer{}
	pub := &stubPublisher{}
	runs := &recordingRuns{MemoryRunStore: store.NewMemoryRunStore()}
	hooks := &fakeHooks{}

	runner, err := NewRunner(Deps{
		Ingester:    stubIngester{err: domain.ErrSourceNotFound},
		Transformer: transformer,
		Tables:      newMemDB(),
		Publisher:   pub,
		Runs:        runs,
		Webhooks:    hooks,
	})
	require.NoError(t, err)

	sum, err := runner.Run(context.Background(), newRequest("missing.csv"))
	require.ErrorIs(t, err, domain.ErrSourceNotFound)
	assert.Equal(t, domain.RunStatusFailed, sum.Status)
	assert.Equal(t, domain.StageIngest, sum.FailedStage)
	assert.Zero(t, transformer.calls)
	assert.Zero(t, pub.calls)

	run, ok, _ := runs.Get(context.Background(), "run-1")
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.StageIngest, run.Stage)
	assert.NotEmpty(t, run.Error)

	require.Len(t, hooks.sent, 1)
	assert.Equal(t, webhook.EventPipelineFailed, hooks.sent[0].event)
}

func TestRunTransformFailureSkipsPublish(t *testing.T) {
	pub := &stubPublisher{}
	runner, err := NewRunner(Deps{
		Ingester:    stubIngester{rows: 3},
		Transformer: &stubTransformer{err: domain.ErrConnectivity},
		Tables:      newMemDB(),
		Publisher:   pub,
	})
	require.NoError(t, err)

	sum, err := runner.Run(context.Background(), newRequest("a.csv"))
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Equal(t, domain.StageTransform, sum.FailedStage)
	assert.EqualValues(t, 3, sum.RawRows)
	assert.Zero(t, pub.calls)
}

func TestRunPublishFailure(t *testing.T) {
	pub := &stubPublisher{err: errors.New("quota exceeded")}
	runner, err := NewRunner(Deps{
		Ingester:    stubIngester{rows: 3},
		Transformer: &stubTransformer{users: 2},
		Tables:      newMemDB(),
		Publisher:   pub,
	})
	require.NoError(t, err)

	sum, err := runner.Run(context.Background(), newRequest("a.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish stage")
	assert.Equal(t, domain.StagePublish, sum.FailedStage)
	assert.Equal(t, 1, pub.calls)
	assert.False(t, sum.Published)
}

func TestRunSkipPublish(t *testing.T) {
	pub := &stubPublisher{}
	runner, err := NewRunner(Deps{
		Ingester:    stubIngester{rows: 3},
		Transformer: &stubTransformer{users: 2},
		Tables:      newMemDB(),
		Publisher:   pub,
	})
	require.NoError(t, err)

	req := newRequest("a.csv")
	req.SkipPublish = true
	sum, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, sum.Status)
	assert.Equal(t, 2, sum.UniqueUsers)
	assert.Zero(t, pub.calls)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	transformer := &stubTransformer{}
	runner, err := NewRunner(Deps{Ingester: stubIngester{}, Transformer: transformer})
	require.NoError(t, err)

	req := newRequest("a.csv")
	req.FinalTable = req.RawTable
	_, err = runner.Run(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	req = newRequest("a.csv")
	req.BatchSize = 0
	_, err = runner.Run(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	req = newRequest("a.csv")
	req.FinalTable = domain.RunHistoryTable
	_, err = runner.Run(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, transformer.calls)
}

func TestRunGeneratesRunID(t *testing.T) {
	runner, err := NewRunner(Deps{Ingester: stubIngester{}, Transformer: &stubTransformer{}})
	require.NoError(t, err)

	req := newRequest("a.csv")
	req.RunID = ""
	sum, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
}

func TestNewRunnerRequiresStages(t *testing.T) {
	_, err := NewRunner(Deps{Transformer: &stubTransformer{}})
	require.Error(t, err)

	_, err = NewRunner(Deps{Ingester: stubIngester{}})
	require.Error(t, err)

	_, err = NewRunner(Deps{Ingester: stubIngester{}, Transformer: &stubTransformer{}, Publisher: &stubPublisher{}})
	require.Error(t, err)
}
