package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"github.com/strideclub/coach/backend/engine"
	"github.com/strideclub/coach/backend/models"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testSigningKey = "test-signing-key"

// newTestServer builds the full router over an in-memory store with the
// clock pinned, and seeds a 14-day routine with one daily and one weekly
// habit.
func newTestServer(t *testing.T) (http.Handler, *storage.MemoryStorage, *models.RoutineTemplate) {
	t.Helper()
	store := storage.NewMemoryStorage()
	eng := engine.New(store, nil, nil)
	eng.SetClock(func() time.Time {
		return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	})

	routine := store.SeedRoutine(&models.RoutineTemplate{
		Name:         "Morning Reset",
		DurationDays: 14,
		Tier:         models.TierFree,
	})
	store.SeedHabitTemplate(&models.HabitTemplate{
		RoutineIDs: []primitive.ObjectID{routine.ID},
		Title:      "Stretch",
		Cadence:    models.CadenceDaily,
		DayStart:   1,
		DayEnd:     14,
	})
	store.SeedHabitTemplate(&models.HabitTemplate{
		RoutineIDs: []primitive.ObjectID{routine.ID},
		Title:      "Weigh in",
		Cadence:    models.CadenceWeekly,
		DayStart:   1,
		DayEnd:     14,
	})

	return NewRouter(testSigningKey, eng), store, routine
}

// bearerToken signs a short-lived HS256 token for the given user.
func bearerToken(t *testing.T, userID primitive.ObjectID) string {
	t.Helper()
	claims := jwt.MapClaims{
		"id":  userID.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return "Bearer " + signed
}

// doJSON performs a request with the given token and optional JSON body.
func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesRequireAuth(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := doJSON(t, handler, http.MethodGet, "/habits/today", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/habits/today", "Bearer not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollEndpoint(t *testing.T) {
	handler, _, routine := newTestServer(t)
	userID := primitive.NewObjectID()
	token := bearerToken(t, userID)

	body := map[string]string{
		"templateId":     routine.ID.Hex(),
		"startDate":      "2024-06-10",
		"intensity":      models.IntensityLite,
		"idempotencyKey": "req-1",
	}
	rec := doJSON(t, handler, http.MethodPost, "/enroll", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result engine.EnrollmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 16, result.HabitsScheduled)

	// Replay returns the same enrollment.
	rec = doJSON(t, handler, http.MethodPost, "/enroll", token, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var replay engine.EnrollmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.Equal(t, result.Enrollment.ID, replay.Enrollment.ID)

	// A second enrollment with a fresh key conflicts.
	body["idempotencyKey"] = "req-2"
	rec = doJSON(t, handler, http.MethodPost, "/enroll", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown template is a 404.
	body["templateId"] = primitive.NewObjectID().Hex()
	body["idempotencyKey"] = "req-3"
	otherToken := bearerToken(t, primitive.NewObjectID())
	rec = doJSON(t, handler, http.MethodPost, "/enroll", otherToken, body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed date is a 400 with the offending field named.
	body["templateId"] = routine.ID.Hex()
	body["startDate"] = "June 10th"
	rec = doJSON(t, handler, http.MethodPost, "/enroll", otherToken, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var problem map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "startDate", problem["field"])
}

func TestTodayAndToggleEndpoints(t *testing.T) {
	handler, store, routine := newTestServer(t)
	userID := primitive.NewObjectID()
	token := bearerToken(t, userID)

	rec := doJSON(t, handler, http.MethodPost, "/enroll", token, map[string]string{
		"templateId":     routine.ID.Hex(),
		"startDate":      "2024-06-10",
		"intensity":      models.IntensityIntense,
		"idempotencyKey": "req-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/habits/today", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var schedule engine.DaySchedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schedule))
	require.Len(t, schedule.Habits, 2)

	instanceID := schedule.Habits[0].ID

	rec = doJSON(t, handler, http.MethodPatch, fmt.Sprintf("/habits/%s/toggle", instanceID.Hex()), token, map[string]bool{"completed": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled models.HabitInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.True(t, toggled.Completed)

	// A stranger cannot toggle someone else's instance.
	stranger := bearerToken(t, primitive.NewObjectID())
	rec = doJSON(t, handler, http.MethodPatch, fmt.Sprintf("/habits/%s/toggle", instanceID.Hex()), stranger, map[string]bool{"completed": false})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown instance id is a 404.
	rec = doJSON(t, handler, http.MethodPatch, fmt.Sprintf("/habits/%s/toggle", primitive.NewObjectID().Hex()), token, map[string]bool{"completed": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The completion awarded exactly once.
	events, err := store.CountRewardEvents(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)
}

func TestRangeStatsAndReconcileEndpoints(t *testing.T) {
	handler, _, routine := newTestServer(t)
	userID := primitive.NewObjectID()
	token := bearerToken(t, userID)

	rec := doJSON(t, handler, http.MethodPost, "/enroll", token, map[string]string{
		"templateId":     routine.ID.Hex(),
		"startDate":      "2024-06-10",
		"intensity":      models.IntensityLite,
		"idempotencyKey": "req-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/habits/range?start=2024-06-08&end=2024-06-12", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []models.DayAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 5)
	assert.Equal(t, 0, rows[0].Total)
	assert.Equal(t, 2, rows[2].Total)

	rec = doJSON(t, handler, http.MethodPost, "/habits/standalone", token, map[string]string{
		"title":   "Drink water",
		"cadence": models.CadenceDaily,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/habits/reconcile", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reconciled engine.ReconcileResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reconciled))
	assert.Equal(t, 1, reconciled.Created)

	rec = doJSON(t, handler, http.MethodGet, "/coaching/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.NotNil(t, stats.ActiveEnrollment)
}

func TestLifecycleEndpoints(t *testing.T) {
	handler, _, routine := newTestServer(t)
	userID := primitive.NewObjectID()
	token := bearerToken(t, userID)

	// Pausing with no enrollment is forbidden.
	rec := doJSON(t, handler, http.MethodPost, "/routines/pause", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/enroll", token, map[string]string{
		"templateId":     routine.ID.Hex(),
		"startDate":      "2024-06-10",
		"intensity":      models.IntensityLite,
		"idempotencyKey": "req-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/routines/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var enrollment models.Enrollment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enrollment))
	assert.Equal(t, models.EnrollmentPaused, enrollment.Status)

	rec = doJSON(t, handler, http.MethodPost, "/routines/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/routines/abandon", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enrollment))
	assert.Equal(t, models.EnrollmentAbandoned, enrollment.Status)
}
