package engine

import (
	"context"
	"testing"
	"time"

	"github.com/strideclub/coach/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestStatsStreakExample(t *testing.T) {
	eng, store := newTestEngine(t)
	routine := store.SeedRoutine(&models.RoutineTemplate{
		Name:         "One Week",
		DurationDays: 7,
	})
	store.SeedHabitTemplate(&models.HabitTemplate{
		RoutineIDs: []primitive.ObjectID{routine.ID},
		Title:      "Meditate",
		Cadence:    models.CadenceDaily,
		DayStart:   1,
		DayEnd:     7,
	})
	userID := primitive.NewObjectID()

	start := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time {
		return time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC)
	})
	_, err := eng.Enroll(context.Background(), userID, routine.ID, start, models.IntensityLite, "key-1")
	require.NoError(t, err)

	// Complete days 1 through 5; leave days 6 and 7 incomplete.
	for offset := 0; offset < 5; offset++ {
		instances, err := store.FindHabitInstancesByDate(context.Background(), userID, start.AddDate(0, 0, offset))
		require.NoError(t, err)
		require.Len(t, instances, 1)
		_, err = eng.Toggle(context.Background(), userID, instances[0].ID, true)
		require.NoError(t, err)
	}

	// Evaluate on day 7.
	eng.SetClock(func() time.Time {
		return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	})

	stats, err := eng.Stats(context.Background(), userID)
	require.NoError(t, err)

	// Day 6 broke the streak, so the walk back from day 7 counts nothing.
	assert.Equal(t, 0, stats.CurrentStreak)
	assert.Equal(t, 5, stats.LongestStreak)
	assert.InDelta(t, 5.0/7.0, stats.CompletionRate, 1e-9)
	assert.Equal(t, int64(5*CompletionReward), stats.Coins)
	require.NotNil(t, stats.ActiveEnrollment)
}

func TestStatsCurrentStreakWhenAllComplete(t *testing.T) {
	eng, store := newTestEngine(t)
	routine := store.SeedRoutine(&models.RoutineTemplate{
		Name:         "Three Days",
		DurationDays: 3,
	})
	store.SeedHabitTemplate(&models.HabitTemplate{
		RoutineIDs: []primitive.ObjectID{routine.ID},
		Title:      "Journal",
		Cadence:    models.CadenceDaily,
		DayStart:   1,
		DayEnd:     3,
	})
	userID := primitive.NewObjectID()

	start := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time {
		return time.Date(2024, 6, 8, 8, 0, 0, 0, time.UTC)
	})
	_, err := eng.Enroll(context.Background(), userID, routine.ID, start, models.IntensityLite, "key-1")
	require.NoError(t, err)

	for offset := 0; offset < 3; offset++ {
		instances, err := store.FindHabitInstancesByDate(context.Background(), userID, start.AddDate(0, 0, offset))
		require.NoError(t, err)
		_, err = eng.Toggle(context.Background(), userID, instances[0].ID, true)
		require.NoError(t, err)
	}

	eng.SetClock(func() time.Time {
		return time.Date(2024, 6, 10, 20, 0, 0, 0, time.UTC)
	})

	stats, err := eng.Stats(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CurrentStreak)
	assert.Equal(t, 3, stats.LongestStreak)
	assert.InDelta(t, 1.0, stats.CompletionRate, 1e-9)
}

func TestStatsZeroInstanceDayPolicy(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := primitive.NewObjectID()

	// Two completed standalone instances with a gap day between them, no
	// enrollment anywhere: the uncovered gap is skipped, not a break.
	habitID := primitive.NewObjectID()
	completedAt := testDay
	for _, offset := range []int{-2, 0} {
		_, err := store.InsertHabitInstanceIfAbsent(context.Background(), &models.HabitInstance{
			UserID:      userID,
			HabitID:     &habitID,
			Title:       "Read",
			Cadence:     models.CadenceWeekly,
			Date:        testDay.AddDate(0, 0, offset),
			Completed:   true,
			CompletedAt: &completedAt,
		})
		require.NoError(t, err)
	}

	stats, err := eng.Stats(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CurrentStreak)
	assert.Equal(t, 2, stats.LongestStreak)

	// With an enrollment covering the gap day, the same shape breaks.
	enrolled := primitive.NewObjectID()
	_, err = store.CreateEnrollment(context.Background(), &models.Enrollment{
		UserID:         enrolled,
		RoutineID:      primitive.NewObjectID(),
		StartDate:      testDay.AddDate(0, 0, -2),
		EndDate:        testDay,
		Status:         models.EnrollmentActive,
		IdempotencyKey: "seed",
		CreatedAt:      testDay,
	}, nil)
	require.NoError(t, err)

	otherHabit := primitive.NewObjectID()
	for _, offset := range []int{-2, 0} {
		_, err := store.InsertHabitInstanceIfAbsent(context.Background(), &models.HabitInstance{
			UserID:      enrolled,
			HabitID:     &otherHabit,
			Title:       "Read",
			Cadence:     models.CadenceWeekly,
			Date:        testDay.AddDate(0, 0, offset),
			Completed:   true,
			CompletedAt: &completedAt,
		})
		require.NoError(t, err)
	}

	stats, err = eng.Stats(context.Background(), enrolled)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CurrentStreak)
	assert.Equal(t, 1, stats.LongestStreak)
}

func TestStatsEmptyUser(t *testing.T) {
	eng, _ := newTestEngine(t)

	stats, err := eng.Stats(context.Background(), primitive.NewObjectID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Coins)
	assert.Equal(t, 0, stats.CurrentStreak)
	assert.Equal(t, 0, stats.LongestStreak)
	assert.Equal(t, 0.0, stats.CompletionRate)
	assert.Nil(t, stats.ActiveEnrollment)
}

func TestCoinBalanceSumsLedger(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := primitive.NewObjectID()

	for _, amount := range []int{10, 10, -5} {
		kind := models.RewardEarn
		if amount < 0 {
			kind = models.RewardSpend
		}
		_, err := store.AddRewardEvent(context.Background(), &models.RewardEvent{
			UserID:    userID,
			Amount:    amount,
			Reason:    "test",
			Type:      kind,
			CreatedAt: testDay,
		})
		require.NoError(t, err)
	}

	balance, err := eng.CoinBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}
