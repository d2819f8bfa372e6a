package engine

import (
	"context"
	"testing"

	"github.com/strideclub/coach/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestGetForDateGroupsByCadence(t *testing.T) {
	eng, store := newTestEngine(t)
	routine, _, _ := seedRoutine(store)
	userID := primitive.NewObjectID()

	_, err := eng.Enroll(context.Background(), userID, routine.ID, testDay, models.IntensityLite, "key-1")
	require.NoError(t, err)

	schedule, err := eng.GetForDate(context.Background(), userID, testDay)
	require.NoError(t, err)

	assert.Len(t, schedule.Habits, 2)
	assert.Len(t, schedule.GroupedByCadence[models.CadenceDaily], 1)
	assert.Len(t, schedule.GroupedByCadence[models.CadenceWeekly], 1)
	assert.Equal(t, testDay, schedule.Date)
}

func TestGetRangeZeroFillsGaps(t *testing.T) {
	eng, store := newTestEngine(t)
	userID := primitive.NewObjectID()

	// Instances on d2 and d4 only; d1, d3 and d5 must still produce rows.
	d1 := testDay
	for _, offset := range []int{1, 3} {
		habitID := primitive.NewObjectID()
		_, err := store.InsertHabitInstanceIfAbsent(context.Background(), &models.HabitInstance{
			UserID:  userID,
			HabitID: &habitID,
			Title:   "Walk",
			Cadence: models.CadenceDaily,
			Date:    d1.AddDate(0, 0, offset),
		})
		require.NoError(t, err)
	}

	rows, err := eng.GetRange(context.Background(), userID, d1, d1.AddDate(0, 0, 4))
	require.NoError(t, err)

	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, d1.AddDate(0, 0, i), row.Date)
	}
	assert.Equal(t, 0, rows[0].Total)
	assert.Equal(t, 1, rows[1].Total)
	assert.Equal(t, 0, rows[2].Total)
	assert.Equal(t, 1, rows[3].Total)
	assert.Equal(t, 0, rows[4].Total)
}

func TestGetRangeRejectsInvertedRange(t *testing.T) {
	eng, _ := newTestEngine(t)

	var validation *ValidationError
	_, err := eng.GetRange(context.Background(), primitive.NewObjectID(), testDay, testDay.AddDate(0, 0, -1))
	require.ErrorAs(t, err, &validation)
}

func TestToggleAwardsOncePerCompletion(t *testing.T) {
	eng, store := newTestEngine(t)
	routine, _, _ := seedRoutine(store)
	userID := primitive.NewObjectID()

	_, err := eng.Enroll(context.Background(), userID, routine.ID, testDay, models.IntensityLite, "key-1")
	require.NoError(t, err)

	instances, err := store.FindHabitInstancesByDate(context.Background(), userID, testDay)
	require.NoError(t, err)
	require.NotEmpty(t, instances)
	instanceID := instances[0].ID

	updated, err := eng.Toggle(context.Background(), userID, instanceID, true)
	require.NoError(t, err)
	assert.True(t, updated.Completed)
	require.NotNil(t, updated.CompletedAt)

	events, err := store.CountRewardEvents(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)

	// Re-toggling to the same state is a no-op: no second event.
	again, err := eng.Toggle(context.Background(), userID, instanceID, true)
	require.NoError(t, err)
	assert.True(t, again.Completed)

	events, err = store.CountRewardEvents(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)

	balance, err := eng.CoinBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(CompletionReward), balance)
}

func TestUncompleteKeepsEarnedReward(t *testing.T) {
	eng, store := newTestEngine(t)
	routine, _, _ := seedRoutine(store)
	userID := primitive.NewObjectID()

	_, err := eng.Enroll(context.Background(), userID, routine.ID, testDay, models.IntensityLite, "key-1")
	require.NoError(t, err)

	instances, err := store.FindHabitInstancesByDate(context.Background(), userID, testDay)
	require.NoError(t, err)
	instanceID := instances[0].ID

	_, err = eng.Toggle(context.Background(), userID, instanceID, true)
	require.NoError(t, err)

	reverted, err := eng.Toggle(context.Background(), userID, instanceID, false)
	require.NoError(t, err)
	assert.False(t, reverted.Completed)
	assert.Nil(t, reverted.CompletedAt)

	// The earn event stays; no negative event appears.
	events, err := store.CountRewardEvents(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)

	balance, err := eng.CoinBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(CompletionReward), balance)

	// Completing again is a fresh transition and earns again.
	_, err = eng.Toggle(context.Background(), userID, instanceID, true)
	require.NoError(t, err)
	balance, err = eng.CoinBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2*CompletionReward), balance)
}

func TestToggleOwnershipAndExistence(t *testing.T) {
	eng, store := newTestEngine(t)
	routine, _, _ := seedRoutine(store)
	owner := primitive.NewObjectID()
	stranger := primitive.NewObjectID()

	_, err := eng.Enroll(context.Background(), owner, routine.ID, testDay, models.IntensityLite, "key-1")
	require.NoError(t, err)

	instances, err := store.FindHabitInstancesByDate(context.Background(), owner, testDay)
	require.NoError(t, err)
	instanceID := instances[0].ID

	var forbidden *ForbiddenError
	_, err = eng.Toggle(context.Background(), stranger, instanceID, true)
	require.ErrorAs(t, err, &forbidden)

	var notFound *NotFoundError
	_, err = eng.Toggle(context.Background(), owner, primitive.NewObjectID(), true)
	require.ErrorAs(t, err, &notFound)

	// The failed calls never mutated or awarded anything.
	unchanged, err := store.FindHabitInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, unchanged.Completed)
	events, err := store.CountRewardEvents(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), events)
}
