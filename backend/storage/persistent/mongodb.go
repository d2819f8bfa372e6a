package storage

import (
	"context"
	"fmt"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/bson"
	"github.com/strideclub/coach/backend/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"time"
)

// MongoStorage is a struct representing a MongoDB storage.
// It provides an interface to perform CRUD operations on various collections in the MongoDB database.
type MongoStorage struct {
	client *mongo.Client
	dbName string
}

// NewMongoStorage creates a new instance of MongoStorage.
// This function doesn't establish a connection to the MongoDB server.
// To connect to the server, use the Connect method of the returned MongoStorage instance.
func NewMongoStorage() *MongoStorage {
	return &MongoStorage{}
}

// Connect establishes a connection to the MongoDB server at the given URI and a database name.
// Sets up the indexes that carry the engine's uniqueness invariants:
// at most one active enrollment per user, at most one enrollment per
// (user, idempotency key), and at most one habit instance per
// (user, enrollment, habit, date) tuple.
// Returns an error if any issues are encountered.
func (m *MongoStorage) Connect(dbName, uri string) error {

	// Set a timeout for the connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create the client options for the connection
	clientOptions := options.Client().ApplyURI(uri)
	// Connect to the MongoDB server
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("error connecting to MongoDB: %v", err)
	}

	// Save the client in the MongoStorage structure
	// Save the database name that we are connecting to
	m.client = client
	m.dbName = dbName

	// Initializing userRoutines collection
	enrollmentsCollection := m.client.Database(m.dbName).Collection("userRoutines")

	// Create a partial unique index on the "user_id" field, restricted to
	// documents whose status is "active". This is what makes two concurrent
	// enrollment calls for the same user safe: the second insert fails with
	// a duplicate key error instead of producing a second active enrollment.
	activeEnrollmentIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"user_id": 1, // 1 for ascending order
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": models.EnrollmentActive}),
	}

	// Create the active-enrollment index
	_, err = enrollmentsCollection.Indexes().CreateOne(ctx, activeEnrollmentIndexModel)
	if err != nil {
		return fmt.Errorf("error creating active enrollment index: %v", err)
	}

	// Create a compound unique index on "user_id" and "idempotency_key".
	// A replayed enrollment request lands on this index and is answered
	// from the stored row instead of materializing a second calendar.
	idempotencyKeyIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1}, // 1 for ascending order
			{Key: "idempotency_key", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}

	// Create the idempotency key index
	_, err = enrollmentsCollection.Indexes().CreateOne(ctx, idempotencyKeyIndexModel)
	if err != nil {
		return fmt.Errorf("error creating idempotency key index: %v", err)
	}

	// Initializing habitInstances collection
	instancesCollection := m.client.Database(m.dbName).Collection("habitInstances")

	// Create a compound unique index over the instance identity tuple.
	// Re-materialization and racing reconciliation calls both rely on this
	// index turning their duplicate inserts into no-ops.
	instanceTupleIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "user_routine_id", Value: 1},
			{Key: "habit_template_id", Value: 1},
			{Key: "date", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}

	// Create the instance tuple index
	_, err = instancesCollection.Indexes().CreateOne(ctx, instanceTupleIndexModel)
	if err != nil {
		return fmt.Errorf("error creating instance tuple index: %v", err)
	}

	// Create an index on "user_id" and "date". This will speed up the
	// today/date/range queries, which are the hot read path.
	userDateIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "date", Value: 1},
		},
		Options: options.Index(),
	}

	// Create the user_id and date index
	_, err = instancesCollection.Indexes().CreateOne(ctx, userDateIndexModel)
	if err != nil {
		return fmt.Errorf("error creating user_id and date index: %v", err)
	}

	// Initializing rewardEvents collection
	rewardsCollection := m.client.Database(m.dbName).Collection("rewardEvents")

	// Create an index on the "user_id" field. This will speed up balance sums.
	userIdIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"user_id": 1, // 1 for ascending order
		},
		Options: options.Index(),
	}

	// Create the user_id index
	_, err = rewardsCollection.Indexes().CreateOne(ctx, userIdIndexModel)
	if err != nil {
		return fmt.Errorf("error creating user_id index on rewardEvents: %v", err)
	}

	// Initializing standaloneHabits collection
	standaloneCollection := m.client.Database(m.dbName).Collection("standaloneHabits")

	// Create the user_id index using the model defined previously
	_, err = standaloneCollection.Indexes().CreateOne(ctx, userIdIndexModel)
	if err != nil {
		return fmt.Errorf("error creating user_id index on standaloneHabits: %v", err)
	}

	// Initializing habitTemplates collection
	templatesCollection := m.client.Database(m.dbName).Collection("habitTemplates")

	// Create an index on the "routine_ids" field. This will speed up the
	// template fan-out query at materialization time.
	routineIdsIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"routine_ids": 1,
		},
		Options: options.Index(),
	}

	// Create the routine_ids index
	_, err = templatesCollection.Indexes().CreateOne(ctx, routineIdsIndexModel)
	if err != nil {
		return fmt.Errorf("error creating routine_ids index: %v", err)
	}

	return nil
}

// Disconnect closes the connection to the MongoDB server.
// It should be called when the MongoStorage instance is no longer needed.
// Returns an error if the disconnection process fails.
func (m *MongoStorage) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.client.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("error disconnecting from MongoDB: %v", err)
	}

	return nil
}

// isDuplicateKeyError reports whether err is a MongoDB unique index
// violation (error code 11000), either from a single write or a bulk write.
func isDuplicateKeyError(err error) bool {
	if writeException, ok := err.(mongo.WriteException); ok {
		for _, writeError := range writeException.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	if bulkException, ok := err.(mongo.BulkWriteException); ok {
		for _, writeError := range bulkException.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	if commandError, ok := err.(mongo.CommandError); ok && commandError.Code == 11000 {
		return true
	}
	return false
}

// FindUser finds a user document in the 'users' collection by id.
// Returns ErrNotFound if no user exists with that id.
func (m *MongoStorage) FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	collection := m.client.Database(m.dbName).Collection("users")
	result := collection.FindOne(ctx, bson.M{"_id": id})
	user := &models.User{}
	err := result.Decode(user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// FindRoutine finds a routine template document in the 'routines' collection by id.
// Returns ErrNotFound if no routine exists with that id.
func (m *MongoStorage) FindRoutine(ctx context.Context, id primitive.ObjectID) (*models.RoutineTemplate, error) {
	collection := m.client.Database(m.dbName).Collection("routines")
	result := collection.FindOne(ctx, bson.M{"_id": id})
	routine := &models.RoutineTemplate{}
	err := result.Decode(routine)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return routine, nil
}

// FindHabitTemplatesByRoutine finds the habit templates assigned to the given routine.
// Returns the templates as a slice of HabitTemplate instances and an error if the find operation fails.
func (m *MongoStorage) FindHabitTemplatesByRoutine(ctx context.Context, routineID primitive.ObjectID) ([]models.HabitTemplate, error) {
	collection := m.client.Database(m.dbName).Collection("habitTemplates")
	cursor, err := collection.Find(ctx, bson.M{"routine_ids": routineID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var templates []models.HabitTemplate
	for cursor.Next(ctx) {
		var template models.HabitTemplate
		err := cursor.Decode(&template)
		if err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}

	return templates, nil
}

// CreateEnrollment inserts an enrollment together with its materialized
// habit instances in a single transaction, so partial materialization is
// never observable. Returns ErrDuplicate if the user already has an active
// enrollment or the idempotency key was already used.
func (m *MongoStorage) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment, instances []models.HabitInstance) (*models.Enrollment, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	enrollmentsCollection := m.client.Database(m.dbName).Collection("userRoutines")
	instancesCollection := m.client.Database(m.dbName).Collection("habitInstances")

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		result, err := enrollmentsCollection.InsertOne(sessCtx, enrollment)
		if err != nil {
			return nil, err
		}
		enrollment.ID = result.InsertedID.(primitive.ObjectID)

		if len(instances) == 0 {
			return nil, nil
		}

		docs := make([]interface{}, len(instances))
		for i := range instances {
			instances[i].EnrollmentID = &enrollment.ID
			docs[i] = instances[i]
		}
		_, err = instancesCollection.InsertMany(sessCtx, docs)
		return nil, err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	return enrollment, nil
}

// FindEnrollmentByKey finds an enrollment document by user and idempotency key.
// Returns ErrNotFound if no enrollment exists for that pair.
func (m *MongoStorage) FindEnrollmentByKey(ctx context.Context, userID primitive.ObjectID, key string) (*models.Enrollment, error) {
	collection := m.client.Database(m.dbName).Collection("userRoutines")
	result := collection.FindOne(ctx, bson.M{"user_id": userID, "idempotency_key": key})
	enrollment := &models.Enrollment{}
	err := result.Decode(enrollment)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return enrollment, nil
}

// FindEnrollmentByStatus finds the user's newest enrollment with the given status.
// Returns ErrNotFound if the user has no enrollment in that status.
func (m *MongoStorage) FindEnrollmentByStatus(ctx context.Context, userID primitive.ObjectID, status string) (*models.Enrollment, error) {
	collection := m.client.Database(m.dbName).Collection("userRoutines")
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	result := collection.FindOne(ctx, bson.M{"user_id": userID, "status": status}, opts)
	enrollment := &models.Enrollment{}
	err := result.Decode(enrollment)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return enrollment, nil
}

// FindEnrollments finds all enrollment documents for a user.
// Returns the enrollments as a slice of Enrollment values and an error if the find operation fails.
func (m *MongoStorage) FindEnrollments(ctx context.Context, userID primitive.ObjectID) ([]models.Enrollment, error) {
	collection := m.client.Database(m.dbName).Collection("userRoutines")
	cursor, err := collection.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var enrollments []models.Enrollment
	for cursor.Next(ctx) {
		var enrollment models.Enrollment
		err := cursor.Decode(&enrollment)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, enrollment)
	}

	return enrollments, nil
}

// UpdateEnrollmentStatus moves an enrollment from one status to another.
// The update is conditional on the current status, so racing transitions
// cannot double-apply. Returns ErrNotFound when the enrollment is not in
// the expected state.
func (m *MongoStorage) UpdateEnrollmentStatus(ctx context.Context, id primitive.ObjectID, from, to string) (*models.Enrollment, error) {
	collection := m.client.Database(m.dbName).Collection("userRoutines")
	update := bson.M{"$set": bson.M{"status": to, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	result := collection.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, update, opts)
	enrollment := &models.Enrollment{}
	err := result.Decode(enrollment)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return enrollment, nil
}

// FindHabitInstance finds a habit instance document by id.
// Returns ErrNotFound if no instance exists with that id.
func (m *MongoStorage) FindHabitInstance(ctx context.Context, id primitive.ObjectID) (*models.HabitInstance, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")
	result := collection.FindOne(ctx, bson.M{"_id": id})
	instance := &models.HabitInstance{}
	err := result.Decode(instance)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return instance, nil
}

// FindHabitInstancesByDate finds a user's habit instances scheduled on exactly the given date.
// Returns the instances as a slice of HabitInstance values and an error if the find operation fails.
func (m *MongoStorage) FindHabitInstancesByDate(ctx context.Context, userID primitive.ObjectID, date time.Time) ([]models.HabitInstance, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")
	cursor, err := collection.Find(ctx, bson.M{"user_id": userID, "date": date})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var instances []models.HabitInstance
	for cursor.Next(ctx) {
		var instance models.HabitInstance
		err := cursor.Decode(&instance)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// FindHabitInstancesInRange finds a user's habit instances with start <= date <= end,
// sorted by date ascending.
func (m *MongoStorage) FindHabitInstancesInRange(ctx context.Context, userID primitive.ObjectID, start, end time.Time) ([]models.HabitInstance, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")
	filter := bson.M{
		"user_id": userID,
		"date":    bson.M{"$gte": start, "$lte": end},
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var instances []models.HabitInstance
	for cursor.Next(ctx) {
		var instance models.HabitInstance
		err := cursor.Decode(&instance)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// CountHabitInstancesByEnrollment returns the number of habit instances
// belonging to the given enrollment.
func (m *MongoStorage) CountHabitInstancesByEnrollment(ctx context.Context, enrollmentID primitive.ObjectID) (int64, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")
	count, err := collection.CountDocuments(ctx, bson.M{"user_routine_id": enrollmentID})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// InsertHabitInstanceIfAbsent inserts one habit instance unless its
// uniqueness tuple already exists. The duplicate case is reported as
// ErrDuplicate with nothing written, which is what makes concurrent
// reconciliation calls for the same user safe to race.
func (m *MongoStorage) InsertHabitInstanceIfAbsent(ctx context.Context, instance *models.HabitInstance) (*models.HabitInstance, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")
	result, err := collection.InsertOne(ctx, instance)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	instance.ID = result.InsertedID.(primitive.ObjectID)
	return instance, nil
}

// SetHabitInstanceCompletion sets the completed flag on an instance,
// conditional on the current flag being the opposite. The condition is the
// race guard for the reward side effect: only the caller whose update
// actually flips the flag observes transitioned == true.
func (m *MongoStorage) SetHabitInstanceCompletion(ctx context.Context, id primitive.ObjectID, completed bool, completedAt *time.Time) (*models.HabitInstance, bool, error) {
	collection := m.client.Database(m.dbName).Collection("habitInstances")

	var update bson.M
	if completed {
		update = bson.M{"$set": bson.M{"completed": true, "completed_at": completedAt}}
	} else {
		update = bson.M{"$set": bson.M{"completed": false}, "$unset": bson.M{"completed_at": ""}}
	}

	result, err := collection.UpdateOne(ctx, bson.M{"_id": id, "completed": !completed}, update)
	if err != nil {
		return nil, false, err
	}

	instance, err := m.FindHabitInstance(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return instance, result.ModifiedCount == 1, nil
}

// AddRewardEvent appends a new event document to the 'rewardEvents' collection.
// The event is provided as a pointer to a RewardEvent instance.
// Returns the added event instance and an error if the insert operation fails.
func (m *MongoStorage) AddRewardEvent(ctx context.Context, event *models.RewardEvent) (*models.RewardEvent, error) {
	collection := m.client.Database(m.dbName).Collection("rewardEvents")
	result, err := collection.InsertOne(ctx, event)
	if err != nil {
		return nil, err
	}

	event.ID = result.InsertedID.(primitive.ObjectID)
	return event, nil
}

// SumRewardEvents returns the sum of all reward event amounts for a user.
// The balance is always this derived quantity; no stored balance exists.
func (m *MongoStorage) SumRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error) {
	collection := m.client.Database(m.dbName).Collection("rewardEvents")
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}}},
	}
	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// CountRewardEvents returns the number of reward events for a user.
func (m *MongoStorage) CountRewardEvents(ctx context.Context, userID primitive.ObjectID) (int64, error) {
	collection := m.client.Database(m.dbName).Collection("rewardEvents")
	count, err := collection.CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AddStandaloneHabit adds a new standalone habit document to the 'standaloneHabits' collection.
// The habit is provided as a pointer to a StandaloneHabit instance.
// Returns the added habit instance and an error if the insert operation fails.
func (m *MongoStorage) AddStandaloneHabit(ctx context.Context, habit *models.StandaloneHabit) (*models.StandaloneHabit, error) {
	collection := m.client.Database(m.dbName).Collection("standaloneHabits")
	result, err := collection.InsertOne(ctx, habit)
	if err != nil {
		return nil, err
	}

	habit.ID = result.InsertedID.(primitive.ObjectID)
	return habit, nil
}

// FindStandaloneHabits finds a user's standalone habits.
// When activeOnly is true, only habits with the active flag set are returned.
func (m *MongoStorage) FindStandaloneHabits(ctx context.Context, userID primitive.ObjectID, activeOnly bool) ([]models.StandaloneHabit, error) {
	collection := m.client.Database(m.dbName).Collection("standaloneHabits")
	filter := bson.M{"user_id": userID}
	if activeOnly {
		filter["active"] = true
	}
	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var habits []models.StandaloneHabit
	for cursor.Next(ctx) {
		var habit models.StandaloneHabit
		err := cursor.Decode(&habit)
		if err != nil {
			return nil, err
		}
		habits = append(habits, habit)
	}

	return habits, nil
}
