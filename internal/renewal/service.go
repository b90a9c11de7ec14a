// Package renewal applies a subscription plan's included credits on an
// account's billing-cycle tick, either resetting the balance to the plan
// amount or rolling unused credits over, per external configuration.
package renewal

import (
	"context"
	"fmt"

	"github.com/tutorloop/ledger/internal/credit"
	"github.com/tutorloop/ledger/pkg/ledger"
)

const renewalDescription = "subscription renewal"

// PlanSource is the read-only boundary to the external configuration
// store that owns plan definitions and the rollover flag.
type PlanSource interface {
	// PlanCredits returns the included-credits amount for the learner's
	// active plan; false when no active plan exists.
	PlanCredits(ctx context.Context, learnerID ledger.LearnerID) (int64, bool, error)
	// RolloverEnabled returns the marketplace-wide rollover flag.
	RolloverEnabled(ctx context.Context) (bool, error)
}

// Outcome reports what a renewal tick did.
type Outcome struct {
	// Skipped is true when the account had no active plan or the plan
	// includes zero credits; the scheduler treats this as success.
	Skipped bool
	// RolledOver is true when the plan credits were added on top of the
	// existing balance instead of resetting it.
	RolledOver bool
	// Delta is the signed credit change recorded in the ledger.
	Delta   int64
	Receipt ledger.Receipt
}

// Service drives the per-account renewal tick.
type Service struct {
	credits *credit.Service
	plans   PlanSource
}

// NewService wires a Service.
func NewService(credits *credit.Service, plans PlanSource) (*Service, error) {
	if credits == nil {
		return nil, fmt.Errorf("%w: credit service dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if plans == nil {
		return nil, fmt.Errorf("%w: plan source dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Service{credits: credits, plans: plans}, nil
}

// Renew applies one billing-cycle tick for a learner. With rollover
// enabled the plan credits are granted additively; with rollover
// disabled the balance is reset to exactly the plan amount, recording
// the signed delta (negative when the learner was over-provisioned by
// manual grants). At-most-once-per-cycle is the scheduler's contract;
// this only deduplicates on the supplied idempotency key.
func (service *Service) Renew(ctx context.Context, learnerID ledger.LearnerID, idempotencyKey ledger.IdempotencyKey) (Outcome, error) {
	planCredits, hasPlan, err := service.plans.PlanCredits(ctx, learnerID)
	if err != nil {
		return Outcome{}, err
	}
	if !hasPlan || planCredits == 0 {
		return Outcome{Skipped: true}, nil
	}
	rollover, err := service.plans.RolloverEnabled(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if rollover {
		amount, err := ledger.NewCreditAmount(planCredits)
		if err != nil {
			return Outcome{}, err
		}
		receipt, err := service.credits.Grant(ctx, learnerID, amount, ledger.KindSubscriptionRenewal, renewalDescription, idempotencyKey)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{RolledOver: true, Delta: planCredits, Receipt: receipt}, nil
	}
	receipt, delta, err := service.credits.ResetCredits(ctx, learnerID, planCredits, renewalDescription, idempotencyKey)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Delta: delta, Receipt: receipt}, nil
}
