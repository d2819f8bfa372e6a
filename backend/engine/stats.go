package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/strideclub/coach/backend/models"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Stats is the read-only projection computed from the execution and reward
// ledgers. Nothing in here is stored; every field is recomputable.
type Stats struct {
	Coins            int64              `json:"coins"`
	CurrentStreak    int                `json:"currentStreak"`
	LongestStreak    int                `json:"longestStreak"`
	CompletionRate   float64            `json:"completionRate"`
	ActiveEnrollment *models.Enrollment `json:"activeEnrollment"`
}

// dayTally is one day's instance counts for streak walking.
type dayTally struct {
	total     int
	completed int
}

// Stats computes the user's coin balance, streaks and completion rate.
// Results are cached per user; every mutating engine operation drops the
// cache entry.
//
// Streak policy for the zero-instance ambiguity: a day with no scheduled
// instances breaks the streak when an enrollment in active or completed
// status covered that day, and is skipped (neither counts nor breaks)
// otherwise. Days belonging to paused or abandoned enrollments are not
// held against the user.
func (e *Engine) Stats(ctx context.Context, userID primitive.ObjectID) (*Stats, error) {
	if cached := e.cachedStats(ctx, userID); cached != nil {
		return cached, nil
	}

	coins, err := e.store.SumRewardEvents(ctx, userID)
	if err != nil {
		return nil, err
	}

	var active *models.Enrollment
	if found, err := e.store.FindEnrollmentByStatus(ctx, userID, models.EnrollmentActive); err == nil {
		active = found
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	enrollments, err := e.store.FindEnrollments(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := e.Today()
	instances, err := e.store.FindHabitInstancesInRange(ctx, userID, time.Time{}, today)
	if err != nil {
		return nil, err
	}

	tallies := make(map[time.Time]*dayTally)
	earliest := today
	for _, instance := range instances {
		day := utils.DateOnly(instance.Date)
		tally, ok := tallies[day]
		if !ok {
			tally = &dayTally{}
			tallies[day] = tally
		}
		tally.total++
		if instance.Completed {
			tally.completed++
		}
		if day.Before(earliest) {
			earliest = day
		}
	}
	for _, enrollment := range enrollments {
		if start := utils.DateOnly(enrollment.StartDate); start.Before(earliest) {
			earliest = start
		}
	}

	stats := &Stats{
		Coins:            coins,
		CurrentStreak:    currentStreak(tallies, enrollments, earliest, today),
		LongestStreak:    longestStreak(tallies, enrollments, earliest, today),
		CompletionRate:   completionRate(instances, active, today),
		ActiveEnrollment: active,
	}

	e.cacheStats(ctx, userID, stats)
	return stats, nil
}

// enrolledOn reports whether any enrollment in active or completed status
// covered the given day.
func enrolledOn(enrollments []models.Enrollment, day time.Time) bool {
	for _, enrollment := range enrollments {
		if enrollment.Status != models.EnrollmentActive && enrollment.Status != models.EnrollmentCompleted {
			continue
		}
		start := utils.DateOnly(enrollment.StartDate)
		end := utils.DateOnly(enrollment.EndDate)
		if !day.Before(start) && !day.After(end) {
			return true
		}
	}
	return false
}

// currentStreak walks backward from today counting consecutive fully
// completed days. The first incomplete day, or enrolled day with nothing
// scheduled, ends the walk.
func currentStreak(tallies map[time.Time]*dayTally, enrollments []models.Enrollment, earliest, today time.Time) int {
	streak := 0
	for day := today; !day.Before(earliest); day = day.AddDate(0, 0, -1) {
		tally, ok := tallies[day]
		if !ok {
			if enrolledOn(enrollments, day) {
				break
			}
			continue
		}
		if tally.completed < tally.total {
			break
		}
		streak++
	}
	return streak
}

// longestStreak is the maximum run length of fully completed days over the
// whole history, under the same zero-instance policy as currentStreak.
func longestStreak(tallies map[time.Time]*dayTally, enrollments []models.Enrollment, earliest, today time.Time) int {
	longest, run := 0, 0
	for day := earliest; !day.After(today); day = day.AddDate(0, 0, 1) {
		tally, ok := tallies[day]
		if !ok {
			if enrolledOn(enrollments, day) {
				run = 0
			}
			continue
		}
		if tally.completed < tally.total {
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
	}
	return longest
}

// completionRate is completed/total over the active enrollment's elapsed
// days, start through min(today, end). Zero without an active enrollment.
func completionRate(instances []models.HabitInstance, active *models.Enrollment, today time.Time) float64 {
	if active == nil {
		return 0
	}
	start := utils.DateOnly(active.StartDate)
	end := utils.DateOnly(active.EndDate)
	if today.Before(end) {
		end = today
	}

	total, completed := 0, 0
	for _, instance := range instances {
		if instance.EnrollmentID == nil || *instance.EnrollmentID != active.ID {
			continue
		}
		day := utils.DateOnly(instance.Date)
		if day.Before(start) || day.After(end) {
			continue
		}
		total++
		if instance.Completed {
			completed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

// cachedStats returns the cached stats for a user, or nil on any miss or
// decode problem. The cache stores JSON, so the round trip goes through
// a re-marshal of the decoded value.
func (e *Engine) cachedStats(ctx context.Context, userID primitive.ObjectID) *Stats {
	if e.cache == nil {
		return nil
	}
	value, err := e.cache.Get(ctx, statsCacheKey(userID))
	if err != nil || value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	stats := &Stats{}
	if err := json.Unmarshal(raw, stats); err != nil {
		return nil
	}
	return stats
}

// cacheStats stores computed stats. Failures are logged, never surfaced.
func (e *Engine) cacheStats(ctx context.Context, userID primitive.ObjectID, stats *Stats) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, statsCacheKey(userID), stats); err != nil {
		log.Printf("failed to cache stats for user %s: %v", userID.Hex(), err)
	}
}
