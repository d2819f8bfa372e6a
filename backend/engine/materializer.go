package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/strideclub/coach/backend/models"
	"github.com/strideclub/coach/backend/queue"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EnrollmentResult is the outcome of an Enroll call: the enrollment row
// and the number of habit instances scheduled for it. A replayed request
// returns the original enrollment with the count of instances it created.
type EnrollmentResult struct {
	Enrollment      *models.Enrollment `json:"enrollment"`
	HabitsScheduled int                `json:"habitsScheduled"`
}

// Enroll materializes a routine template into a calendar of habit
// instances for the user, starting at startDate.
//
// The operation is idempotent: replaying the same idempotency key for the
// same user returns the stored result without writing anything. A user
// with an active enrollment gets a ConflictError naming it; the caller
// must pause or abandon first. The enrollment row and every instance are
// written in one atomic unit, so partial materialization is never
// observable.
func (e *Engine) Enroll(ctx context.Context, userID, routineID primitive.ObjectID, startDate time.Time, intensity, idempotencyKey string) (*EnrollmentResult, error) {
	if idempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotencyKey", Message: "must not be empty"}
	}
	startDate = utils.DateOnly(startDate)

	// Replayed key: answer from the stored enrollment, create nothing.
	// This runs before input validation so a retry of a request that was
	// valid when first made still gets its stored result, even when the
	// calendar day has rolled over since. A key reused with different
	// parameters is a conflict, not a replay.
	if existing, err := e.store.FindEnrollmentByKey(ctx, userID, idempotencyKey); err == nil {
		if existing.RoutineID != routineID || !existing.StartDate.Equal(startDate) || existing.Intensity != intensity {
			return nil, &ConflictError{
				Message:      "idempotency key was already used with different parameters",
				EnrollmentID: existing.ID,
			}
		}
		return e.replayResult(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if !utils.ValidIntensity(intensity) {
		return nil, &ValidationError{Field: "intensity", Message: "must be lite or intense"}
	}
	if startDate.Before(e.Today()) {
		return nil, &ValidationError{Field: "startDate", Message: "must be today or later"}
	}

	routine, err := e.store.FindRoutine(ctx, routineID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Resource: "routine template"}
		}
		return nil, err
	}
	if routine.Deleted {
		return nil, &NotFoundError{Resource: "routine template"}
	}

	if active, err := e.store.FindEnrollmentByStatus(ctx, userID, models.EnrollmentActive); err == nil {
		return nil, &ConflictError{
			Message:      "an active enrollment already exists; pause or abandon it first",
			EnrollmentID: active.ID,
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	templates, err := e.store.FindHabitTemplatesByRoutine(ctx, routineID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	enrollment := &models.Enrollment{
		UserID:         userID,
		RoutineID:      routineID,
		StartDate:      startDate,
		EndDate:        startDate.AddDate(0, 0, routine.DurationDays-1),
		Status:         models.EnrollmentActive,
		Intensity:      intensity,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	instances := expandInstances(routine, templates, userID, startDate)

	enrollment, err = e.store.CreateEnrollment(ctx, enrollment, instances)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// A concurrent request beat us to the write. If it carried our
			// key, this is a replay; otherwise it is a genuine conflict.
			if existing, findErr := e.store.FindEnrollmentByKey(ctx, userID, idempotencyKey); findErr == nil {
				return e.replayResult(ctx, existing)
			}
			conflict := &ConflictError{Message: "an active enrollment already exists; pause or abandon it first"}
			if active, findErr := e.store.FindEnrollmentByStatus(ctx, userID, models.EnrollmentActive); findErr == nil {
				conflict.EnrollmentID = active.ID
			}
			return nil, conflict
		}
		return nil, err
	}

	e.invalidateStats(ctx, userID)
	e.queueConfirmationEmail(ctx, userID, routine, enrollment, len(instances))

	return &EnrollmentResult{Enrollment: enrollment, HabitsScheduled: len(instances)}, nil
}

// replayResult rebuilds the original Enroll response for a replayed
// idempotency key.
func (e *Engine) replayResult(ctx context.Context, enrollment *models.Enrollment) (*EnrollmentResult, error) {
	count, err := e.store.CountHabitInstancesByEnrollment(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}
	return &EnrollmentResult{Enrollment: enrollment, HabitsScheduled: int(count)}, nil
}

// expandInstances deterministically expands a routine's habit templates
// into dated instances over [startDate, startDate+duration). Title and
// description are snapshotted from the template at this moment; later
// template edits must never reach these rows.
func expandInstances(routine *models.RoutineTemplate, templates []models.HabitTemplate, userID primitive.ObjectID, startDate time.Time) []models.HabitInstance {
	var instances []models.HabitInstance
	for d := 0; d < routine.DurationDays; d++ {
		date := startDate.AddDate(0, 0, d)
		dayNumber := d + 1
		for i := range templates {
			template := &templates[i]
			if !scheduledOnDay(template, dayNumber) {
				continue
			}
			templateID := template.ID
			instances = append(instances, models.HabitInstance{
				UserID:      userID,
				HabitID:     &templateID,
				Title:       template.Title,
				Description: template.Description,
				Cadence:     template.Cadence,
				Date:        date,
				DayNumber:   dayNumber,
			})
		}
	}
	return instances
}

// scheduledOnDay applies the cadence rule for one routine day.
// Daily habits fall on every day of their range, weekly habits once per
// 7-day window anchored at dayStart, and as-needed habits once at
// dayStart only (completion does not advance a schedule).
func scheduledOnDay(template *models.HabitTemplate, dayNumber int) bool {
	if dayNumber < template.DayStart || dayNumber > template.DayEnd {
		return false
	}
	switch template.Cadence {
	case models.CadenceDaily:
		return true
	case models.CadenceWeekly:
		return (dayNumber-template.DayStart)%7 == 0
	case models.CadenceAsNeeded:
		return dayNumber == template.DayStart
	}
	return false
}

// queueConfirmationEmail publishes an enrollment confirmation onto the
// email queue. Best effort: a user without a mailable account or a queue
// hiccup never fails the enrollment.
func (e *Engine) queueConfirmationEmail(ctx context.Context, userID primitive.ObjectID, routine *models.RoutineTemplate, enrollment *models.Enrollment, scheduled int) {
	if e.emailQueue == nil {
		return
	}
	user, err := e.store.FindUser(ctx, userID)
	if err != nil || user.Email == "" {
		return
	}
	message := &queue.EmailMessage{
		Id:              enrollment.ID.Hex(),
		To:              user.Email,
		RoutineName:     routine.Name,
		StartDate:       utils.FormatDate(enrollment.StartDate),
		HabitsScheduled: scheduled,
	}
	if err := queue.ProcessEmail(message, e.emailQueue); err != nil {
		log.Printf("failed to queue enrollment confirmation email: %v", err)
	}
}
