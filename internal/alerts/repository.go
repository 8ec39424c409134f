package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"crisiswatch/internal/models"
)

// ErrAlertNotFound is returned for an unknown alert id
var ErrAlertNotFound = errors.New("alert not found")

// Repository persists alert records
type Repository interface {
	Save(ctx context.Context, record *models.AlertRecord) error
	Get(ctx context.Context, id string) (*models.AlertRecord, error)
	// Acknowledge sets the acknowledging actor and time. FirstAcknowledgedAt is
	// only set on the first call; first reports whether this call set it.
	Acknowledge(ctx context.Context, id, actor string, at time.Time) (record *models.AlertRecord, first bool, err error)
	// CountSince counts alerts for subjectID dispatched at or after since
	CountSince(ctx context.Context, subjectID string, since time.Time) (int, error)
}

// MemoryRepository keeps alerts in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.AlertRecord
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*models.AlertRecord)}
}

func cloneRecord(r *models.AlertRecord) *models.AlertRecord {
	c := *r
	if r.AcknowledgedBy != nil {
		v := *r.AcknowledgedBy
		c.AcknowledgedBy = &v
	}
	if r.AcknowledgedAt != nil {
		v := *r.AcknowledgedAt
		c.AcknowledgedAt = &v
	}
	if r.FirstAcknowledgedAt != nil {
		v := *r.FirstAcknowledgedAt
		c.FirstAcknowledgedAt = &v
	}
	return &c
}

// Save implements Repository
func (m *MemoryRepository) Save(ctx context.Context, record *models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get implements Repository
func (m *MemoryRepository) Get(ctx context.Context, id string) (*models.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return cloneRecord(r), nil
}

// Acknowledge implements Repository
func (m *MemoryRepository) Acknowledge(ctx context.Context, id, actor string, at time.Time) (*models.AlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false, ErrAlertNotFound
	}

	by := actor
	ackAt := at
	r.AcknowledgedBy = &by
	r.AcknowledgedAt = &ackAt

	first := r.FirstAcknowledgedAt == nil
	if first {
		firstAt := at
		r.FirstAcknowledgedAt = &firstAt
	}
	return cloneRecord(r), first, nil
}

// CountSince implements Repository
func (m *MemoryRepository) CountSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.SubjectID == subjectID && !r.DispatchedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// MongoRepository stores alerts in a MongoDB collection
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a repository on collection
func NewMongoRepository(collection *mongo.Collection) *MongoRepository {
	return &MongoRepository{collection: collection}
}

// Save implements Repository
func (r *MongoRepository) Save(ctx context.Context, record *models.AlertRecord) error {
	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// Get implements Repository
func (r *MongoRepository) Get(ctx context.Context, id string) (*models.AlertRecord, error) {
	var record models.AlertRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return &record, nil
}

// ackPipeline updates the display fields unconditionally and sets
// firstAcknowledgedAt only when it is still missing
func ackPipeline(actor string, at time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "acknowledgedBy", Value: actor},
			{Key: "acknowledgedAt", Value: at},
			{Key: "firstAcknowledgedAt", Value: bson.D{
				{Key: "$ifNull", Value: bson.A{"$firstAcknowledgedAt", at}},
			}},
		}}},
	}
}

// Acknowledge implements Repository with a single atomic update
func (r *MongoRepository) Acknowledge(ctx context.Context, id, actor string, at time.Time) (*models.AlertRecord, bool, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before models.AlertRecord
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, ackPipeline(actor, at), opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, ErrAlertNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	first := before.FirstAcknowledgedAt == nil
	after := before
	by := actor
	ackAt := at
	after.AcknowledgedBy = &by
	after.AcknowledgedAt = &ackAt
	if first {
		after.FirstAcknowledgedAt = &ackAt
	}
	return &after, first, nil
}

// CountSince implements Repository
func (r *MongoRepository) CountSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{
		"subjectId":    subjectID,
		"dispatchedAt": bson.M{"$gte": since},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return int(n), nil
}
