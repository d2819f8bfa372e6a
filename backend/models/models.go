package models

import (
	"time"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Enrollment statuses. An enrollment is never deleted; it only moves
// between these states. "completed" and "abandoned" are terminal.
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentAbandoned = "abandoned"
)

// Routine intensity variants.
const (
	IntensityLite    = "lite"
	IntensityIntense = "intense"
)

// Routine tiers.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Habit cadences.
const (
	CadenceDaily    = "daily"
	CadenceWeekly   = "weekly"
	CadenceAsNeeded = "as_needed"
)

// RewardEvent types.
const (
	RewardEarn  = "earn"
	RewardSpend = "spend"
)

// User is the minimal slice of the account record the engine reads.
// Accounts are owned by the external auth system; the engine only looks
// up emails for enrollment confirmations.
type User struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username string             `bson:"username" json:"username"`
	Email    string             `bson:"email" json:"email"`
}

// RoutineTemplate is an admin-authored routine definition. Read-only to
// the engine; edits made after a user enrolls must never reach instances
// that were already materialized.
type RoutineTemplate struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name         string             `bson:"name" json:"name"`
	DurationDays int                `bson:"duration_days" json:"duration_days"`
	Intensities  []string           `bson:"intensities" json:"intensities"`
	Tier         string             `bson:"tier" json:"tier"`
	Deleted      bool               `bson:"deleted" json:"deleted"`
}

// HabitTemplate is an admin-authored habit definition, assigned to zero
// or more routines. DayStart/DayEnd are 1-based and inclusive, bounded by
// the routine's duration.
type HabitTemplate struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	RoutineIDs  []primitive.ObjectID `bson:"routine_ids" json:"routine_ids"`
	Title       string               `bson:"title" json:"title"`
	Description string               `bson:"description" json:"description"`
	Cadence     string               `bson:"cadence" json:"cadence"`
	DayStart    int                  `bson:"day_start" json:"day_start"`
	DayEnd      int                  `bson:"day_end" json:"day_end"`
}

// Enrollment is one user's run of one routine template. At most one
// enrollment per user may be active at any time; the storage layer
// enforces this with a partial unique index.
type Enrollment struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID         primitive.ObjectID `bson:"user_id" json:"user_id"`
	RoutineID      primitive.ObjectID `bson:"routine_id" json:"routine_id"`
	StartDate      time.Time          `bson:"start_date" json:"start_date"`
	EndDate        time.Time          `bson:"end_date" json:"end_date"`
	Status         string             `bson:"status" json:"status"`
	Intensity      string             `bson:"intensity" json:"intensity"`
	IdempotencyKey string             `bson:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
}

// HabitInstance is one dated, completable occurrence of a habit. Title and
// description are snapshots taken at materialization time, not live
// references to the template. EnrollmentID is nil for standalone habits;
// HabitID points at the habit template, or at the standalone habit for
// lazily materialized instances.
type HabitInstance struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID       primitive.ObjectID  `bson:"user_id" json:"user_id"`
	EnrollmentID *primitive.ObjectID `bson:"user_routine_id,omitempty" json:"enrollment_id,omitempty"`
	HabitID      *primitive.ObjectID `bson:"habit_template_id,omitempty" json:"habit_id,omitempty"`
	Title        string              `bson:"title" json:"title"`
	Description  string              `bson:"description" json:"description"`
	Cadence      string              `bson:"cadence" json:"cadence"`
	Date         time.Time           `bson:"date" json:"date"`
	DayNumber    int                 `bson:"day_number" json:"day_number"`
	Completed    bool                `bson:"completed" json:"completed"`
	CompletedAt  *time.Time          `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// RewardEvent is one immutable row of the coin ledger. A user's balance is
// the sum of their event amounts; no stored balance exists anywhere.
type RewardEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    primitive.ObjectID `bson:"user_id" json:"user_id"`
	Amount    int                `bson:"amount" json:"amount"`
	Reason    string             `bson:"reason" json:"reason"`
	Type      string             `bson:"type" json:"type"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// StandaloneHabit is a user-chosen habit outside any enrollment. It has no
// end date, so its instances are materialized lazily one day at a time by
// reconciliation rather than eagerly at creation.
type StandaloneHabit struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID      primitive.ObjectID `bson:"user_id" json:"user_id"`
	Title       string             `bson:"title" json:"title"`
	Description string             `bson:"description" json:"description"`
	Cadence     string             `bson:"cadence" json:"cadence"`
	Active      bool               `bson:"active" json:"active"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// DayAggregate is one row of a per-day calendar summary.
type DayAggregate struct {
	Date      time.Time `json:"date"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
}
