package engine

import (
	"context"
	"errors"
	"time"

	"github.com/strideclub/coach/backend/models"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ReconcileResult reports what a Reconcile call changed. reconciled=false
// lets callers skip cache invalidation and re-renders.
type ReconcileResult struct {
	Reconciled bool `json:"reconciled"`
	Created    int  `json:"created"`
}

// Reconcile is the idempotent, client-triggered catch-up operation. There
// is no background scheduler, so correctness never depends on when or how
// often it runs; calling it at every page load is the intended usage.
//
// Enrollment calendars were fully pre-computed at enrollment time, so the
// only repairs needed are: materializing today's instance for active
// standalone habits (which have no end date and are expanded lazily), and
// marking an active enrollment completed once its end date has passed.
// Resuming a paused enrollment needs no repair at all; the existing
// calendar is reused as-is and dates never shift.
func (e *Engine) Reconcile(ctx context.Context, userID primitive.ObjectID) (*ReconcileResult, error) {
	today := e.Today()
	result := &ReconcileResult{}

	habits, err := e.store.FindStandaloneHabits(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	for i := range habits {
		habit := &habits[i]
		if !standaloneDueOn(habit, today) {
			continue
		}
		habitID := habit.ID
		instance := &models.HabitInstance{
			UserID:      userID,
			HabitID:     &habitID,
			Title:       habit.Title,
			Description: habit.Description,
			Cadence:     habit.Cadence,
			Date:        today,
		}
		_, err := e.store.InsertHabitInstanceIfAbsent(ctx, instance)
		if err != nil {
			// Losing the insert race means another reconcile already
			// created today's instance; that is a no-op, not a failure.
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			return nil, err
		}
		result.Created++
	}

	if active, err := e.store.FindEnrollmentByStatus(ctx, userID, models.EnrollmentActive); err == nil {
		if active.EndDate.Before(today) {
			if _, err := e.store.UpdateEnrollmentStatus(ctx, active.ID, models.EnrollmentActive, models.EnrollmentCompleted); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			result.Reconciled = true
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if result.Created > 0 {
		result.Reconciled = true
		e.invalidateStats(ctx, userID)
	}

	return result, nil
}

// standaloneDueOn applies the recurrence rule for a standalone habit,
// anchored at its creation day: daily habits are due every day, weekly
// habits once per 7-day window, as-needed habits only on their creation
// day (completion does not advance a schedule).
func standaloneDueOn(habit *models.StandaloneHabit, day time.Time) bool {
	anchor := utils.DateOnly(habit.CreatedAt)
	if day.Before(anchor) {
		return false
	}
	switch habit.Cadence {
	case models.CadenceDaily:
		return true
	case models.CadenceWeekly:
		return int(day.Sub(anchor).Hours()/24)%7 == 0
	case models.CadenceAsNeeded:
		return day.Equal(anchor)
	}
	return false
}
