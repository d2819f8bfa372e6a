package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/strideclub/coach/backend/models"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DaySchedule is the result of GetForDate: the day's instances plus a
// cadence grouping for display.
type DaySchedule struct {
	Date             time.Time                        `json:"date"`
	Habits           []models.HabitInstance           `json:"habits"`
	GroupedByCadence map[string][]models.HabitInstance `json:"groupedByCadence"`
}

// GetForDate returns every habit instance the user has scheduled on
// exactly the given date, from any enrollment plus standalone habits
// already materialized for that day. The read is a pure date filter; the
// calendar was fully pre-computed at enrollment time.
func (e *Engine) GetForDate(ctx context.Context, userID primitive.ObjectID, date time.Time) (*DaySchedule, error) {
	date = utils.DateOnly(date)
	instances, err := e.store.FindHabitInstancesByDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Title != instances[j].Title {
			return instances[i].Title < instances[j].Title
		}
		return instances[i].ID.Hex() < instances[j].ID.Hex()
	})

	grouped := make(map[string][]models.HabitInstance)
	for _, instance := range instances {
		grouped[instance.Cadence] = append(grouped[instance.Cadence], instance)
	}

	return &DaySchedule{Date: date, Habits: instances, GroupedByCadence: grouped}, nil
}

// GetToday returns the schedule for the current calendar day.
func (e *Engine) GetToday(ctx context.Context, userID primitive.ObjectID) (*DaySchedule, error) {
	return e.GetForDate(ctx, userID, e.Today())
}

// GetRange returns one aggregate row per day in the inclusive range
// [start, end], zero-filled for days with no instances so calendar and
// heatmap clients never special-case gaps.
func (e *Engine) GetRange(ctx context.Context, userID primitive.ObjectID, start, end time.Time) ([]models.DayAggregate, error) {
	start = utils.DateOnly(start)
	end = utils.DateOnly(end)
	if end.Before(start) {
		return nil, &ValidationError{Field: "end", Message: "must not be before start"}
	}

	instances, err := e.store.FindHabitInstancesInRange(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}

	totals := make(map[time.Time]*models.DayAggregate)
	for _, instance := range instances {
		day := utils.DateOnly(instance.Date)
		agg, ok := totals[day]
		if !ok {
			agg = &models.DayAggregate{Date: day}
			totals[day] = agg
		}
		agg.Total++
		if instance.Completed {
			agg.Completed++
		}
	}

	var rows []models.DayAggregate
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if agg, ok := totals[day]; ok {
			rows = append(rows, *agg)
		} else {
			rows = append(rows, models.DayAggregate{Date: day})
		}
	}
	return rows, nil
}

// Toggle sets the completed flag on one of the user's habit instances.
//
// Toggling to the state the instance is already in is a no-op returning
// the unchanged instance. The reward side effect fires only when this
// caller performs the not-completed-to-completed transition, which the
// storage layer guards with a conditional update, so a race between two
// Toggle calls awards at most once. Un-completing clears completedAt but
// never retracts a previously earned reward.
func (e *Engine) Toggle(ctx context.Context, userID, instanceID primitive.ObjectID, completed bool) (*models.HabitInstance, error) {
	instance, err := e.store.FindHabitInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Resource: "habit instance"}
		}
		return nil, err
	}
	if instance.UserID != userID {
		return nil, &ForbiddenError{}
	}

	if instance.Completed == completed {
		return instance, nil
	}

	var completedAt *time.Time
	if completed {
		now := e.now().UTC()
		completedAt = &now
	}

	updated, transitioned, err := e.store.SetHabitInstanceCompletion(ctx, instanceID, completed, completedAt)
	if err != nil {
		return nil, err
	}

	if transitioned && completed {
		if err := e.recordCompletion(ctx, updated); err != nil {
			return nil, err
		}
	}

	e.invalidateStats(ctx, userID)
	return updated, nil
}
