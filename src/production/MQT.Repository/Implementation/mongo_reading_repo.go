package implementation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

const readingsCollection = "scale_readings"

// MongoReadingRepository keeps scale_readings as a MongoDB collection.
// IDs are assigned in-process from the collection's max id; the gateway is the only writer.
// IDs are never handed out twice, so a failed write can leave a gap.
type MongoReadingRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time

	mu           sync.Mutex
	lastID       int64
	lastReceived time.Time
}

var _ interfaces.ReadingRepository = (*MongoReadingRepository)(nil)

func NewMongoReadingRepository(client *mongo.Client, database string) *MongoReadingRepository {
	return &MongoReadingRepository{
		client: client,
		coll:   client.Database(database).Collection(readingsCollection),
		now:    time.Now,
	}
}

// Init creates indexes and loads the id and received_at floors
func (r *MongoReadingRepository) Init(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "scale_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return &mqtmodels.StorageError{Op: "create indexes", Err: err}
	}

	var last mqtmodels.Reading
	err = r.coll.FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "id", Value: -1}})).Decode(&last)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return &mqtmodels.StorageError{Op: "load last id", Err: err}
	}

	r.mu.Lock()
	r.lastID = last.ID
	r.lastReceived = last.ReceivedAt
	r.mu.Unlock()
	return nil
}

// stamp must be called with mu held
func (r *MongoReadingRepository) stamp(reading *mqtmodels.Reading, receivedAt time.Time) {
	r.lastID++
	reading.ID = r.lastID
	reading.Status = reading.Status.Normalize()
	reading.ReceivedAt = receivedAt
}

// nextReceivedAt must be called with mu held; mongo stores millisecond precision
func (r *MongoReadingRepository) nextReceivedAt() time.Time {
	now := r.now().UTC().Truncate(time.Millisecond)
	if now.Before(r.lastReceived) {
		now = r.lastReceived
	}
	return now
}

func (r *MongoReadingRepository) InsertReading(ctx context.Context, reading mqtmodels.Reading) (mqtmodels.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// ids consumed by a failed write are not reused: the server may have
	// applied it even though the client saw an error
	receivedAt := r.nextReceivedAt()
	r.stamp(&reading, receivedAt)

	if _, err := r.coll.InsertOne(ctx, reading); err != nil {
		return mqtmodels.Reading{}, &mqtmodels.StorageError{Op: "insert reading", Err: err}
	}
	r.lastReceived = receivedAt
	return reading, nil
}

// InsertReadings does an ordered InsertMany; if it fails part-way the
// already-written documents of the batch are removed again
func (r *MongoReadingRepository) InsertReadings(ctx context.Context, readings []mqtmodels.Reading) ([]mqtmodels.Reading, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	receivedAt := r.nextReceivedAt()

	stored := make([]mqtmodels.Reading, len(readings))
	docs := make([]interface{}, len(readings))
	ids := make([]int64, len(readings))
	for i := range readings {
		stored[i] = readings[i]
		r.stamp(&stored[i], receivedAt)
		docs[i] = stored[i]
		ids[i] = stored[i].ID
	}

	if _, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, derr := r.coll.DeleteMany(cleanupCtx, bson.D{{Key: "id", Value: bson.D{{Key: "$in", Value: ids}}}}); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, &mqtmodels.StorageError{Op: "insert batch", Err: err}
	}

	r.lastReceived = receivedAt
	return stored, nil
}

func (r *MongoReadingRepository) ListDistinctScales(ctx context.Context) ([]mqtmodels.ScaleRef, error) {
	cursor, err := r.coll.Aggregate(ctx, distinctScalesPipeline())
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "list scales", Err: err}
	}
	defer cursor.Close(ctx)

	scales := make([]mqtmodels.ScaleRef, 0)
	if err := cursor.All(ctx, &scales); err != nil {
		return nil, &mqtmodels.StorageError{Op: "list scales", Err: err}
	}
	return scales, nil
}

func (r *MongoReadingRepository) ListReadings(ctx context.Context, scaleID string, limit int) ([]mqtmodels.Reading, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "id", Value: -1}}).
		SetLimit(int64(interfaces.NormalizeLimit(limit)))

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "scale_id", Value: scaleID}}, opts)
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "list readings", Err: err}
	}
	defer cursor.Close(ctx)

	readings := make([]mqtmodels.Reading, 0)
	if err := cursor.All(ctx, &readings); err != nil {
		return nil, &mqtmodels.StorageError{Op: "list readings", Err: err}
	}
	return readings, nil
}

func (r *MongoReadingRepository) LatestPerScale(ctx context.Context) ([]mqtmodels.Reading, error) {
	cursor, err := r.coll.Aggregate(ctx, latestPerScalePipeline())
	if err != nil {
		return nil, &mqtmodels.StorageError{Op: "latest per scale", Err: err}
	}
	defer cursor.Close(ctx)

	readings := make([]mqtmodels.Reading, 0)
	if err := cursor.All(ctx, &readings); err != nil {
		return nil, &mqtmodels.StorageError{Op: "latest per scale", Err: err}
	}
	return readings, nil
}

func (r *MongoReadingRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return &mqtmodels.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (r *MongoReadingRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func distinctScalesPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "scale_id", Value: "$scale_id"}, {Key: "location", Value: "$location"}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 0},
			{Key: "scale_id", Value: "$_id.scale_id"},
			{Key: "location", Value: "$_id.location"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "scale_id", Value: 1}, {Key: "location", Value: 1}}}},
	}
}

func latestPerScalePipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "scale_id", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "id", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$scale_id"},
			{Key: "latest", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$latest"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "scale_id", Value: 1}}}},
	}
}
