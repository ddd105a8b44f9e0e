package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCustomerRebuild recomputes cached customer financials from history.
	TaskCustomerRebuild = "customer:rebuild"
	// TaskLedgerIntegrity verifies treasury balances against their entry flow.
	TaskLedgerIntegrity = "ledger:integrity"
)

// CustomerRebuildPayload controls the pagination of a rebuild run.
type CustomerRebuildPayload struct {
	BatchSize int   `json:"batch_size"`
	Cursor    int64 `json:"cursor"`
}

// NewCustomerRebuildTask constructs an Asynq task for a full rebuild sweep.
func NewCustomerRebuildTask(batchSize int, cursor int64) (*asynq.Task, error) {
	data, err := json.Marshal(CustomerRebuildPayload{BatchSize: batchSize, Cursor: cursor})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCustomerRebuild, data), nil
}

// LedgerIntegrityPayload scopes an integrity scan. An empty TreasuryIDs slice
// means every non-deleted treasury is checked.
type LedgerIntegrityPayload struct {
	TreasuryIDs []int64 `json:"treasury_ids,omitempty"`
}

// NewLedgerIntegrityTask constructs an Asynq task for the conservation check.
func NewLedgerIntegrityTask(treasuryIDs ...int64) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{TreasuryIDs: treasuryIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}
