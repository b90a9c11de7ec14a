package ledger

import "context"

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	LearnerID      LearnerID
	Amount         int64
	IdempotencyKey IdempotencyKey
	ReferenceID    string
	Status         string
	Error          error
}

// Finalize fills in the status from the error when the caller left it empty.
func (entry OperationLog) Finalize() OperationLog {
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	return entry
}
