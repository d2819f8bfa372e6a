package engine

import (
	"context"
	"errors"

	"github.com/strideclub/coach/backend/models"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Pause moves the user's active enrollment to paused. The pre-computed
// calendar is left untouched; pausing never shifts or removes instances.
func (e *Engine) Pause(ctx context.Context, userID primitive.ObjectID) (*models.Enrollment, error) {
	return e.transition(ctx, userID, models.EnrollmentActive, models.EnrollmentPaused)
}

// Resume moves the user's paused enrollment back to active. Nothing is
// re-materialized; the existing calendar is reused as-is. The one-active
// invariant still holds through the storage uniqueness constraint.
func (e *Engine) Resume(ctx context.Context, userID primitive.ObjectID) (*models.Enrollment, error) {
	return e.transition(ctx, userID, models.EnrollmentPaused, models.EnrollmentActive)
}

// Abandon terminally ends the user's active enrollment. History is kept;
// nothing is deleted retroactively.
func (e *Engine) Abandon(ctx context.Context, userID primitive.ObjectID) (*models.Enrollment, error) {
	return e.transition(ctx, userID, models.EnrollmentActive, models.EnrollmentAbandoned)
}

// transition finds the user's enrollment in the expected state and moves
// it conditionally, so racing transitions cannot double-apply. A missing
// enrollment in the source state is a ForbiddenError: the caller holds no
// enrollment this operation may act on.
func (e *Engine) transition(ctx context.Context, userID primitive.ObjectID, from, to string) (*models.Enrollment, error) {
	enrollment, err := e.store.FindEnrollmentByStatus(ctx, userID, from)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ForbiddenError{}
		}
		return nil, err
	}

	updated, err := e.store.UpdateEnrollmentStatus(ctx, enrollment.ID, from, to)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ForbiddenError{}
		}
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &ConflictError{Message: "another enrollment is already active"}
		}
		return nil, err
	}

	e.invalidateStats(ctx, userID)
	return updated, nil
}
