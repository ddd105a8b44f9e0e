package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	rows      []TimelineRow
	lastLimit int
	lastOff   int
}

func (m *mockRepository) Timeline(_ context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	m.lastLimit = limit
	m.lastOff = offset
	var out []TimelineRow
	for _, row := range m.rows {
		if filters.Action != "" && row.Action != filters.Action {
			continue
		}
		if filters.Entity != "" && row.Entity != filters.Entity {
			continue
		}
		out = append(out, row)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func seedRows(n int, action string) []TimelineRow {
	rows := make([]TimelineRow, 0, n)
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	for i := range n {
		rows = append(rows, TimelineRow{
			ID:         int64(i + 1),
			Action:     action,
			Entity:     "treasury",
			EntityID:   "1",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return rows
}

func TestTimelinePaging(t *testing.T) {
	repo := &mockRepository{rows: seedRows(25, "ledger.entry.posted")}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 20)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 21, repo.lastLimit)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 20, repo.lastOff)
}

func TestTimelineClampsPageSize(t *testing.T) {
	repo := &mockRepository{rows: seedRows(60, "ledger.entry.posted")}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, result.Paging.PageSize)
	assert.Len(t, result.Rows, 50)
}

func TestTimelineFiltersByAction(t *testing.T) {
	rows := append(seedRows(3, "ledger.entry.posted"), seedRows(2, "ledger.transfer.posted")...)
	repo := &mockRepository{rows: rows}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Action: "ledger.transfer.posted"})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestTimelineWithoutRepository(t *testing.T) {
	svc := NewService(nil)
	_, err := svc.Timeline(context.Background(), TimelineFilters{})
	assert.Error(t, err)
}
