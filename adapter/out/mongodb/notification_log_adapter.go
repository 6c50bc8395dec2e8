package mongodb

import (
	"context"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const notificationCollection = "notification_log"

// NotificationLogAdapter keeps raw push notifications in MongoDB for replay
// and debugging.
type NotificationLogAdapter struct {
	collection *mongo.Collection
}

// NewNotificationLogAdapter creates the audit log adapter.
func NewNotificationLogAdapter(client *mongo.Client, database string) *NotificationLogAdapter {
	return &NotificationLogAdapter{
		collection: client.Database(database).Collection(notificationCollection),
	}
}

func (a *NotificationLogAdapter) Record(ctx context.Context, rec *domain.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	_, err := a.collection.InsertOne(ctx, rec)
	return err
}

func (a *NotificationLogAdapter) ListRecent(ctx context.Context, accountID int64, limit int) ([]*domain.NotificationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, bson.M{"account_id": accountID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.NotificationRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

var _ out.NotificationLog = (*NotificationLogAdapter)(nil)
