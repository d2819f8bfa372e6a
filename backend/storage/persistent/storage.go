package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strideclub/coach/backend/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert or conditional update loses to a
// uniqueness constraint: a second active enrollment for a user, a replayed
// idempotency key, or an instance row that already exists for its
// (user, enrollment, habit, date) tuple.
var ErrDuplicate = errors.New("duplicate")

// StorageInterface defines the set of methods that any persistent storage
// backend needs to implement for the coaching engine.
type StorageInterface interface {
	// Establishes a connection to the storage backend.
	Connect(dbName, uri string) error
	// Disconnects from the storage backend.
	Disconnect() error

	// Finds a user by id. Read-only; accounts are owned by the auth system.
	FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error)

	// Finds a routine template by id.
	FindRoutine(ctx context.Context, id primitive.ObjectID) (*models.RoutineTemplate, error)
	// Finds all habit templates assigned to a routine.
	FindHabitTemplatesByRoutine(ctx context.Context, routineID primitive.ObjectID) ([]models.HabitTemplate, error)

	// Atomically inserts an enrollment together with its materialized
	// instances. Either everything is written or nothing is. Returns
	// ErrDuplicate when the user already holds an active enrollment.
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment, instances []models.HabitInstance) (*models.Enrollment, error)
	// Finds an enrollment by (user, idempotency key).
	FindEnrollmentByKey(ctx context.Context, userID primitive.ObjectID, key string) (*models.Enrollment, error)
	// Finds the user's enrollment with the given status, newest first.
	FindEnrollmentByStatus(ctx context.Context, userID primitive.ObjectID, status string) (*models.Enrollment, error)
	// Finds all of the user's enrollments, in no particular order.
	FindEnrollments(ctx context.Context, userID primitive.ObjectID) ([]models.Enrollment, error)
	// Moves an enrollment from one status to another. The transition is
	// conditional on the current status; ErrNotFound when no enrollment
	// is in the expected state.
	UpdateEnrollmentStatus(ctx context.Context, id primitive.ObjectID, from, to string) (*models.Enrollment, error)

	// Finds one habit instance by id.
	FindHabitInstance(ctx context.Context, id primitive.ObjectID) (*models.HabitInstance, error)
	// Finds a user's instances scheduled on exactly the given date.
	FindHabitInstancesByDate(ctx context.Context, userID primitive.ObjectID, date time.Time) ([]models.HabitInstance, error)
	// Finds a user's instances with start <= date <= end.
	FindHabitInstancesInRange(ctx context.Context, userID primitive.ObjectID, start, end time.Time) ([]models.HabitInstance, error)
	// Counts the instances belonging to an enrollment.
	CountHabitInstancesByEnrollment(ctx context.Context, enrollmentID primitive.ObjectID) (int64, error)
	// Inserts one instance unless its uniqueness tuple already exists, in
	// which case ErrDuplicate is returned and nothing is written.
	InsertHabitInstanceIfAbsent(ctx context.Context, instance *models.HabitInstance) (*models.HabitInstance, error)
	// Sets the completed flag on an instance, conditional on the current
	// flag being the opposite. Returns the updated instance and whether
	// this caller performed the transition.
	SetHabitInstanceCompletion(ctx context.Context, id primitive.ObjectID, completed bool, completedAt *time.Time) (*models.HabitInstance, bool, error)

	// Appends one event to the reward ledger.
	AddRewardEvent(ctx context.Context, event *models.RewardEvent) (*models.RewardEvent, error)
	// Sums the reward amounts for a user. Zero when no events exist.
	SumRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error)
	// Counts a user's reward events.
	CountRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error)

	// Adds a standalone habit for a user.
	AddStandaloneHabit(ctx context.Context, habit *models.StandaloneHabit) (*models.StandaloneHabit, error)
	// Finds a user's standalone habits, optionally only active ones.
	FindStandaloneHabits(ctx context.Context, userID primitive.ObjectID, activeOnly bool) ([]models.StandaloneHabit, error)
}

// NewStorage creates a new StorageInterface with a MongoDB backend,
// using the provided URI to connect to the MongoDB server.
func NewStorage(dbName, uri string) (StorageInterface, error) {
	storage := NewMongoStorage()
	err := storage.Connect(dbName, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return storage, nil
}
