package engine

import (
	"context"

	"github.com/strideclub/coach/backend/models"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CreateStandaloneHabit adds a user-chosen habit outside any enrollment.
// Standalone habits have no end date, so no calendar is materialized here;
// Reconcile creates each day's instance lazily. This asymmetry with eager
// enrollment materialization is deliberate and must not be unified.
func (e *Engine) CreateStandaloneHabit(ctx context.Context, userID primitive.ObjectID, title, description, cadence string) (*models.StandaloneHabit, error) {
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "must not be empty"}
	}
	if !utils.ValidCadence(cadence) {
		return nil, &ValidationError{Field: "cadence", Message: "must be daily, weekly or as_needed"}
	}

	habit := &models.StandaloneHabit{
		UserID:      userID,
		Title:       title,
		Description: description,
		Cadence:     cadence,
		Active:      true,
		CreatedAt:   e.now().UTC(),
	}
	habit, err := e.store.AddStandaloneHabit(ctx, habit)
	if err != nil {
		return nil, err
	}
	return habit, nil
}
