package engine

import (
	"context"

	"github.com/strideclub/coach/backend/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CompletionReward is the fixed coin award for completing a habit instance.
const CompletionReward = 10

// completionReason is the ledger reason recorded with each award.
const completionReason = "habit completed"

// recordCompletion appends one earn event to the reward ledger. It is
// called only after the storage layer confirmed this caller performed the
// not-completed-to-completed transition, so each completion earns exactly
// once. Un-completing never retracts the award: the ledger is a
// motivational log, not a strict balance that reverses on UI corrections.
func (e *Engine) recordCompletion(ctx context.Context, instance *models.HabitInstance) error {
	event := &models.RewardEvent{
		UserID:    instance.UserID,
		Amount:    CompletionReward,
		Reason:    completionReason,
		Type:      models.RewardEarn,
		CreatedAt: e.now().UTC(),
	}
	_, err := e.store.AddRewardEvent(ctx, event)
	return err
}

// CoinBalance returns the user's current balance: the sum of every reward
// event amount. The balance is always derived, never stored.
func (e *Engine) CoinBalance(ctx context.Context, userID primitive.ObjectID) (int64, error) {
	return e.store.SumRewardEvents(ctx, userID)
}
