package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateMergesCaseVariants(t *testing.T) {
	got := Aggregate([]domain.RawRecord{
		{SessionID: "s1", TimestampMS: 1000, UserName: "Bob", StartMetric: 5, EndMetric: 12},
		{SessionID: "s2", TimestampMS: 2000, UserName: "bob", StartMetric: 1, EndMetric: 3},
	})

	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, "bob", m.UserName)
	assert.Equal(t, 9.0, m.TotalDuration)
	assert.EqualValues(t, 2, m.ActionCount)
	assert.Equal(t, time.Unix(1, 0).UTC(), m.FirstTimestampUTC)
	assert.Equal(t, time.Unix(2, 0).UTC(), m.LastTimestampUTC)
}

func TestAggregateSumsNegativeDurationsAsIs(t *testing.T) {
	got := Aggregate([]domain.RawRecord{
		{TimestampMS: 5000, UserName: "Alice", StartMetric: 10, EndMetric: 4},
		{TimestampMS: 3000, UserName: "ALICE", StartMetric: 1, EndMetric: 2.5},
		{TimestampMS: 4000, UserName: "alice", StartMetric: 0, EndMetric: 1},
	})

	require.Len(t, got, 1)
	assert.InDelta(t, -3.5, got[0].TotalDuration, 1e-9)
	assert.EqualValues(t, 3, got[0].ActionCount)
	assert.Equal(t, time.UnixMilli(3000).UTC(), got[0].FirstTimestampUTC)
	assert.Equal(t, time.UnixMilli(5000).UTC(), got[0].LastTimestampUTC)
}

func TestAggregateSortedAndOrdered(t *testing.T) {
	got := Aggregate([]domain.RawRecord{
		{TimestampMS: 10, UserName: "carol", EndMetric: 1},
		{TimestampMS: 20, UserName: "Alice", EndMetric: 1},
		{TimestampMS: 30, UserName: "bob", EndMetric: 1},
		{TimestampMS: 5, UserName: "carol", EndMetric: 1},
	})

	names := make([]string, len(got))
	for i, m := range got {
		names[i] = m.UserName
		assert.False(t, m.FirstTimestampUTC.After(m.LastTimestampUTC), "first after last for %s", m.UserName)
		assert.Equal(t, time.UTC, m.FirstTimestampUTC.Location())
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}

type fakeStore struct {
	alive    bool
	records  []domain.RawRecord
	readErr  error
	writeErr error
	written  []domain.UserMetric
	reads    int
}

func (f *fakeStore) Ping(context.Context) bool { return f.alive }

func (f *fakeStore) ReadRawRecords(context.Context, string) ([]domain.RawRecord, error) {
	f.reads++
	return f.records, f.readErr
}

func (f *fakeStore) ReplaceUserMetrics(_ context.Context, _ string, metrics []domain.UserMetric) (int64, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = metrics
	return int64(len(metrics)), nil
}

func TestTransformerRun(t *testing.T) {
	s := &fakeStore{
		alive: true,
		records: []domain.RawRecord{
			{SessionID: "s1", TimestampMS: 1000, UserName: "Bob", StartMetric: 5, EndMetric: 12},
			{SessionID: "s2", TimestampMS: 2000, UserName: "bob", StartMetric: 1, EndMetric: 3},
			{SessionID: "s3", TimestampMS: 1500, UserName: "Alice", StartMetric: 0, EndMetric: 2},
		},
	}

	users, err := NewTransformer(s, nil).Run(context.Background(), "raw_data", "user_metrics")
	require.NoError(t, err)
	assert.Equal(t, 2, users)
	require.Len(t, s.written, 2)
	assert.Equal(t, "alice", s.written[0].UserName)
	assert.Equal(t, "bob", s.written[1].UserName)
}

func TestTransformerFailsWhenStoreUnreachable(t *testing.T) {
	s := &fakeStore{alive: false}

	_, err := NewTransformer(s, nil).Run(context.Background(), "raw_data", "user_metrics")
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Zero(t, s.reads, "no read after a failed liveness check")
}

func TestTransformerReturnsWriteFailure(t *testing.T) {
	s := &fakeStore{
		alive:    true,
		records:  []domain.RawRecord{{UserName: "a", TimestampMS: 1}},
		writeErr: errors.New("unique violation"),
	}

	users, err := NewTransformer(s, nil).Run(context.Background(), "raw_data", "user_metrics")
	require.Error(t, err)
	assert.Zero(t, users)
	assert.Contains(t, err.Error(), "unique violation")
}

func TestTransformerReturnsReadFailure(t *testing.T) {
	s := &fakeStore{alive: true, readErr: errors.New("relation does not exist")}

	_, err := NewTransformer(s, nil).Run(context.Background(), "raw_data", "user_metrics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raw_data")
}
