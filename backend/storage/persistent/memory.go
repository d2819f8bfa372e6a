package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strideclub/coach/backend/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStorage is an in-memory implementation of StorageInterface. It
// enforces the same uniqueness invariants as the Mongo indexes and returns
// the same sentinel errors, which makes it a drop-in backend for engine
// and handler tests.
type MemoryStorage struct {
	mu               sync.RWMutex
	users            map[primitive.ObjectID]*models.User
	routines         map[primitive.ObjectID]*models.RoutineTemplate
	habitTemplates   map[primitive.ObjectID]*models.HabitTemplate
	enrollments      map[primitive.ObjectID]*models.Enrollment
	instances        map[primitive.ObjectID]*models.HabitInstance
	instanceTuples   map[string]primitive.ObjectID // identity tuple -> instance id
	rewardEvents     map[primitive.ObjectID][]*models.RewardEvent
	standaloneHabits map[primitive.ObjectID][]*models.StandaloneHabit // userID -> habits
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:            make(map[primitive.ObjectID]*models.User),
		routines:         make(map[primitive.ObjectID]*models.RoutineTemplate),
		habitTemplates:   make(map[primitive.ObjectID]*models.HabitTemplate),
		enrollments:      make(map[primitive.ObjectID]*models.Enrollment),
		instances:        make(map[primitive.ObjectID]*models.HabitInstance),
		instanceTuples:   make(map[string]primitive.ObjectID),
		rewardEvents:     make(map[primitive.ObjectID][]*models.RewardEvent),
		standaloneHabits: make(map[primitive.ObjectID][]*models.StandaloneHabit),
	}
}

// Connect is a no-op for the in-memory backend.
func (s *MemoryStorage) Connect(dbName, uri string) error { return nil }

// Disconnect is a no-op for the in-memory backend.
func (s *MemoryStorage) Disconnect() error { return nil }

// SeedUser stores a user record. Template and account data are admin/auth
// owned and read-only to the engine, so seeding is test-only.
func (s *MemoryStorage) SeedUser(user *models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	s.users[user.ID] = user
	return user
}

// SeedRoutine stores a routine template. Test-only.
func (s *MemoryStorage) SeedRoutine(routine *models.RoutineTemplate) *models.RoutineTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if routine.ID.IsZero() {
		routine.ID = primitive.NewObjectID()
	}
	s.routines[routine.ID] = routine
	return routine
}

// SeedHabitTemplate stores a habit template. Test-only.
func (s *MemoryStorage) SeedHabitTemplate(template *models.HabitTemplate) *models.HabitTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if template.ID.IsZero() {
		template.ID = primitive.NewObjectID()
	}
	s.habitTemplates[template.ID] = template
	return template
}

func (s *MemoryStorage) FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStorage) FindRoutine(ctx context.Context, id primitive.ObjectID) (*models.RoutineTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routine, exists := s.routines[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *routine
	return &copied, nil
}

func (s *MemoryStorage) FindHabitTemplatesByRoutine(ctx context.Context, routineID primitive.ObjectID) ([]models.HabitTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var templates []models.HabitTemplate
	for _, template := range s.habitTemplates {
		for _, id := range template.RoutineIDs {
			if id == routineID {
				templates = append(templates, *template)
				break
			}
		}
	}
	return templates, nil
}

// instanceTupleKey builds the identity key mirroring the Mongo unique index
// over (user, enrollment, habit, date). Nil references hash like Mongo's
// missing fields do.
func instanceTupleKey(instance *models.HabitInstance) string {
	enrollment := ""
	if instance.EnrollmentID != nil {
		enrollment = instance.EnrollmentID.Hex()
	}
	habit := ""
	if instance.HabitID != nil {
		habit = instance.HabitID.Hex()
	}
	return fmt.Sprintf("%s|%s|%s|%s", instance.UserID.Hex(), enrollment, habit, instance.Date.Format("2006-01-02"))
}

func (s *MemoryStorage) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment, instances []models.HabitInstance) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.enrollments {
		if existing.UserID != enrollment.UserID {
			continue
		}
		if existing.Status == models.EnrollmentActive && enrollment.Status == models.EnrollmentActive {
			return nil, ErrDuplicate
		}
		if existing.IdempotencyKey == enrollment.IdempotencyKey {
			return nil, ErrDuplicate
		}
	}

	if enrollment.ID.IsZero() {
		enrollment.ID = primitive.NewObjectID()
	}

	// Validate the whole batch before writing anything, so the all-or-nothing
	// contract of materialization holds here too.
	for i := range instances {
		instances[i].EnrollmentID = &enrollment.ID
		key := instanceTupleKey(&instances[i])
		if _, exists := s.instanceTuples[key]; exists {
			return nil, ErrDuplicate
		}
	}

	copied := *enrollment
	s.enrollments[enrollment.ID] = &copied
	for i := range instances {
		instance := instances[i]
		if instance.ID.IsZero() {
			instance.ID = primitive.NewObjectID()
		}
		s.instances[instance.ID] = &instance
		s.instanceTuples[instanceTupleKey(&instance)] = instance.ID
	}

	return enrollment, nil
}

func (s *MemoryStorage) FindEnrollmentByKey(ctx context.Context, userID primitive.ObjectID, key string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, enrollment := range s.enrollments {
		if enrollment.UserID == userID && enrollment.IdempotencyKey == key {
			copied := *enrollment
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) FindEnrollmentByStatus(ctx context.Context, userID primitive.ObjectID, status string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *models.Enrollment
	for _, enrollment := range s.enrollments {
		if enrollment.UserID != userID || enrollment.Status != status {
			continue
		}
		if newest == nil || enrollment.CreatedAt.After(newest.CreatedAt) {
			newest = enrollment
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	copied := *newest
	return &copied, nil
}

func (s *MemoryStorage) FindEnrollments(ctx context.Context, userID primitive.ObjectID) ([]models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enrollments []models.Enrollment
	for _, enrollment := range s.enrollments {
		if enrollment.UserID == userID {
			enrollments = append(enrollments, *enrollment)
		}
	}
	return enrollments, nil
}

func (s *MemoryStorage) UpdateEnrollmentStatus(ctx context.Context, id primitive.ObjectID, from, to string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enrollment, exists := s.enrollments[id]
	if !exists || enrollment.Status != from {
		return nil, ErrNotFound
	}

	// Mirror the partial unique index: resuming must not produce a second
	// active enrollment.
	if to == models.EnrollmentActive {
		for _, other := range s.enrollments {
			if other.ID != id && other.UserID == enrollment.UserID && other.Status == models.EnrollmentActive {
				return nil, ErrDuplicate
			}
		}
	}

	enrollment.Status = to
	enrollment.UpdatedAt = time.Now().UTC()
	copied := *enrollment
	return &copied, nil
}

func (s *MemoryStorage) FindHabitInstance(ctx context.Context, id primitive.ObjectID) (*models.HabitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, exists := s.instances[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *instance
	return &copied, nil
}

func (s *MemoryStorage) FindHabitInstancesByDate(ctx context.Context, userID primitive.ObjectID, date time.Time) ([]models.HabitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []models.HabitInstance
	for _, instance := range s.instances {
		if instance.UserID == userID && instance.Date.Equal(date) {
			found = append(found, *instance)
		}
	}
	return found, nil
}

func (s *MemoryStorage) FindHabitInstancesInRange(ctx context.Context, userID primitive.ObjectID, start, end time.Time) ([]models.HabitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []models.HabitInstance
	for _, instance := range s.instances {
		if instance.UserID != userID {
			continue
		}
		if instance.Date.Before(start) || instance.Date.After(end) {
			continue
		}
		found = append(found, *instance)
	}
	return found, nil
}

func (s *MemoryStorage) CountHabitInstancesByEnrollment(ctx context.Context, enrollmentID primitive.ObjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, instance := range s.instances {
		if instance.EnrollmentID != nil && *instance.EnrollmentID == enrollmentID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) InsertHabitInstanceIfAbsent(ctx context.Context, instance *models.HabitInstance) (*models.HabitInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceTupleKey(instance)
	if _, exists := s.instanceTuples[key]; exists {
		return nil, ErrDuplicate
	}

	if instance.ID.IsZero() {
		instance.ID = primitive.NewObjectID()
	}
	copied := *instance
	s.instances[instance.ID] = &copied
	s.instanceTuples[key] = instance.ID
	return instance, nil
}

func (s *MemoryStorage) SetHabitInstanceCompletion(ctx context.Context, id primitive.ObjectID, completed bool, completedAt *time.Time) (*models.HabitInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, exists := s.instances[id]
	if !exists {
		return nil, false, ErrNotFound
	}

	transitioned := instance.Completed != completed
	if transitioned {
		instance.Completed = completed
		if completed {
			instance.CompletedAt = completedAt
		} else {
			instance.CompletedAt = nil
		}
	}
	copied := *instance
	return &copied, transitioned, nil
}

func (s *MemoryStorage) AddRewardEvent(ctx context.Context, event *models.RewardEvent) (*models.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	copied := *event
	s.rewardEvents[event.UserID] = append(s.rewardEvents[event.UserID], &copied)
	return event, nil
}

func (s *MemoryStorage) SumRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, event := range s.rewardEvents[userID] {
		total += int64(event.Amount)
	}
	return total, nil
}

func (s *MemoryStorage) CountRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.rewardEvents[userID])), nil
}

func (s *MemoryStorage) AddStandaloneHabit(ctx context.Context, habit *models.StandaloneHabit) (*models.StandaloneHabit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if habit.ID.IsZero() {
		habit.ID = primitive.NewObjectID()
	}
	copied := *habit
	s.standaloneHabits[habit.UserID] = append(s.standaloneHabits[habit.UserID], &copied)
	return habit, nil
}

func (s *MemoryStorage) FindStandaloneHabits(ctx context.Context, userID primitive.ObjectID, activeOnly bool) ([]models.StandaloneHabit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var habits []models.StandaloneHabit
	for _, habit := range s.standaloneHabits[userID] {
		if activeOnly && !habit.Active {
			continue
		}
		habits = append(habits, *habit)
	}
	return habits, nil
}
