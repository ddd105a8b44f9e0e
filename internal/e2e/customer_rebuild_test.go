package e2e

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/customers"
	jobmetrics "github.com/tillbook/tillbook/internal/jobs"
	"github.com/tillbook/tillbook/jobs"
)

type stubCustomerRepo struct {
	mu       sync.Mutex
	ids      []int64
	rebuilds []int64
}

func (s *stubCustomerRepo) WithTx(_ context.Context, fn func(customers.TxRepository) error) error {
	return fn(&stubCustomerTx{repo: s})
}

func (s *stubCustomerRepo) Get(_ context.Context, id int64) (*customers.Customer, error) {
	return &customers.Customer{ID: id}, nil
}

func (s *stubCustomerRepo) Balance(_ context.Context, _ int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubCustomerRepo) ListIDsAfter(_ context.Context, cursor int64, limit int) ([]int64, error) {
	var out []int64
	for _, id := range s.ids {
		if id > cursor {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type stubCustomerTx struct {
	repo *stubCustomerRepo
}

func (s *stubCustomerTx) BalanceForUpdate(_ context.Context, _ int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubCustomerTx) ApplyDelta(_ context.Context, _ int64, _ customers.DeltaUpdate) error {
	return nil
}

func (s *stubCustomerTx) RecalculateActivityDates(_ context.Context, _ int64) error {
	return nil
}

func (s *stubCustomerTx) RebuildFinancials(_ context.Context, customerID int64) (decimal.Decimal, error) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	s.repo.rebuilds = append(s.repo.rebuilds, customerID)
	return decimal.Zero, nil
}

func TestCustomerRebuildJob(t *testing.T) {
	repo := &stubCustomerRepo{ids: []int64{11, 22, 33, 44, 55}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := customers.NewService(repo, nil, logger)
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	job := jobs.NewCustomerRebuildJob(service, nil, metrics, nil)
	task, err := jobs.NewCustomerRebuildTask(2, 0)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("job handle: %v", err)
	}
	if len(repo.rebuilds) != 5 {
		t.Fatalf("expected 5 rebuilds, got %d", len(repo.rebuilds))
	}
	sort.Slice(repo.rebuilds, func(i, j int) bool { return repo.rebuilds[i] < repo.rebuilds[j] })
	for i, want := range []int64{11, 22, 33, 44, 55} {
		if repo.rebuilds[i] != want {
			t.Fatalf("expected rebuild of %d, got %d", want, repo.rebuilds[i])
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !assertCounter(t, families, "tillbook_jobs_total", map[string]string{"job": jobs.TaskCustomerRebuild, "status": "success"}, 1) {
		t.Fatalf("expected tillbook_jobs_total increment for customer rebuild")
	}
	if !metricExists(families, "tillbook_job_duration_seconds") {
		t.Fatalf("expected tillbook_job_duration_seconds to be recorded")
	}
}

func assertCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				if metric.GetCounter() == nil {
					return false
				}
				if metric.GetCounter().GetValue() == expected {
					return true
				}
			}
		}
	}
	return false
}

func metricExists(families []*dto.MetricFamily, name string) bool {
	for _, fam := range families {
		if fam.GetName() == name {
			return true
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
