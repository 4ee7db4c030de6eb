package repositories

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"chat-core/internal/models"
)

const (
	mongoMessagesCollection = "messages"
	mongoCountersCollection = "counters"
	mongoMessageSequence    = "messages"
)

// MongoMessageRepo stores messages in MongoDB. Writes use a majority,
// journaled write concern so an acknowledged append survives a crash.
// Ids come from a counters document so they stay monotonic.
type MongoMessageRepo struct {
	client   *mongo.Client
	messages *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
	stamps   stampClock
}

// NewMongoMessageRepo constructs the repository and ensures its indexes.
func NewMongoMessageRepo(ctx context.Context, db *mongo.Database) (*MongoMessageRepo, error) {
	journal := true
	wc := writeconcern.Majority()
	wc.Journal = &journal
	collOpts := options.Collection().SetWriteConcern(wc)

	r := &MongoMessageRepo{
		client:   db.Client(),
		messages: db.Collection(mongoMessagesCollection, collOpts),
		counters: db.Collection(mongoCountersCollection, collOpts),
		now:      time.Now,
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("sender_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("receiver_created_idx"),
		},
	}
	if _, err := r.messages.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, storeErr("create indexes", err)
	}
	return r, nil
}

func (r *MongoMessageRepo) Append(ctx context.Context, senderID, receiverID, content string) (models.Message, error) {
	if err := models.ValidateNew(senderID, receiverID, content); err != nil {
		return models.Message{}, err
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return models.Message{}, err
	}
	// BSON dates carry millisecond precision.
	msg := models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     models.StatusSent,
		CreatedAt:  r.stamps.stamp(r.now(), time.Millisecond),
	}
	if _, err := r.messages.InsertOne(ctx, msg); err != nil {
		return models.Message{}, storeErr("append message", err)
	}
	return msg, nil
}

func (r *MongoMessageRepo) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongoMessageSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, storeErr("allocate message id", err)
	}
	return counter.Seq, nil
}

func (r *MongoMessageRepo) History(ctx context.Context, q HistoryQuery) ([]models.Message, error) {
	pair := bson.M{"$or": bson.A{
		bson.M{"sender_id": q.UserA, "receiver_id": q.UserB},
		bson.M{"sender_id": q.UserB, "receiver_id": q.UserA},
	}}
	return r.findOrdered(ctx, "load history", pair, q.Since, q.Limit)
}

func (r *MongoMessageRepo) ListForUser(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error) {
	involves := bson.M{"$or": bson.A{
		bson.M{"sender_id": userID},
		bson.M{"receiver_id": userID},
	}}
	return r.findOrdered(ctx, "list messages", involves, since, limit)
}

func (r *MongoMessageRepo) findOrdered(ctx context.Context, op string, match bson.M, since *models.Cursor, limit int) ([]models.Message, error) {
	filter := match
	if since != nil {
		at := since.At.UTC()
		filter = bson.M{"$and": bson.A{match, bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$gt": since.ID}},
		}}}}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := r.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer cur.Close(ctx)

	out := []models.Message{}
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, storeErr(op, err)
		}
		m.Normalize()
		out = append(out, m)
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (r *MongoMessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var m models.Message
	err := r.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, storeErr("get message", err)
	}
	m.Normalize()
	return m, nil
}

func (r *MongoMessageRepo) MarkDelivered(ctx context.Context, messageID int64) error {
	res, err := r.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "status": models.StatusSent},
		bson.M{"$set": bson.M{"status": models.StatusDelivered}},
	)
	if err != nil {
		return storeErr("mark delivered", err)
	}
	return r.checkTransition(ctx, res.MatchedCount, messageID)
}

func (r *MongoMessageRepo) MarkRead(ctx context.Context, messageID int64, at time.Time) error {
	res, err := r.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "status": bson.M{"$ne": models.StatusRead}},
		bson.M{"$set": bson.M{"status": models.StatusRead, "is_read": true, "read_at": at.UTC()}},
	)
	if err != nil {
		return storeErr("mark read", err)
	}
	return r.checkTransition(ctx, res.MatchedCount, messageID)
}

func (r *MongoMessageRepo) MarkConversationRead(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error) {
	res, err := r.messages.UpdateMany(ctx,
		bson.M{"sender_id": senderID, "receiver_id": receiverID, "status": bson.M{"$ne": models.StatusRead}},
		bson.M{"$set": bson.M{"status": models.StatusRead, "is_read": true, "read_at": at.UTC()}},
	)
	if err != nil {
		return 0, storeErr("mark conversation read", err)
	}
	return res.ModifiedCount, nil
}

func (r *MongoMessageRepo) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (r *MongoMessageRepo) checkTransition(ctx context.Context, matched int64, messageID int64) error {
	if matched > 0 {
		return nil
	}
	count, err := r.messages.CountDocuments(ctx, bson.M{"_id": messageID})
	if err != nil {
		return storeErr("status update", err)
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
