package database

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"refsync/entity"
	"refsync/internal/config"
	"time"
)

const (
	collectionUsers        = "users"
	collectionMembers      = "members"
	collectionInvites      = "invites"
	collectionEvents       = "attribution_events"
	collectionApplications = "applications"
	collectionPublications = "publications"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
}

func NewMongoClient(conf *config.Config) *MongoDB {
	if !conf.Mongo.Enabled {
		return nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
	}
	return client
}

func (m *MongoDB) connect(ctx context.Context) (*mongo.Client, error) {
	connection, err := mongo.Connect(ctx, m.clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	_ = connection.Disconnect(m.ctx)
}

func (m *MongoDB) findError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	return fmt.Errorf("mongodb find: %w", err)
}

func (m *MongoDB) collection(connection *mongo.Client, name string) *mongo.Collection {
	return connection.Database(m.database).Collection(name)
}

// EnsureIndexes creates the unique indexes the write rules rely on.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		collectionMembers: {
			{Keys: bson.D{{Key: "member_id", Value: 1}}, Options: unique},
		},
		collectionInvites: {
			{Keys: bson.D{{Key: "code", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "owner_id", Value: 1}}, Options: unique},
		},
		collectionEvents: {
			{Keys: bson.D{{Key: "invitee_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "period", Value: 1}, {Key: "seq", Value: 1}}},
		},
		collectionApplications: {
			{Keys: bson.D{{Key: "member_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "approved_at", Value: 1}}},
		},
		collectionPublications: {
			{Keys: bson.D{{Key: "title", Value: 1}}, Options: unique},
		},
	}
	for name, models := range indexes {
		if _, err = m.collection(connection, name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	return nil
}

func (m *MongoDB) GetUser(token string) (*entity.User, error) {
	connection, err := m.connect(m.ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "token", Value: token}}
	var user entity.User
	err = m.collection(connection, collectionUsers).FindOne(m.ctx, filter).Decode(&user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (m *MongoDB) GetTelegramUsers() ([]*entity.User, error) {
	connection, err := m.connect(m.ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "telegram_id", Value: bson.D{{Key: "$gt", Value: 0}}}}
	cursor, err := m.collection(connection, collectionUsers).Find(m.ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(m.ctx)

	var users []*entity.User
	err = cursor.All(m.ctx, &users)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (m *MongoDB) FindMember(ctx context.Context, memberID string) (*entity.Member, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var member entity.Member
	err = m.collection(connection, collectionMembers).FindOne(ctx, bson.D{{Key: "member_id", Value: memberID}}).Decode(&member)
	if err != nil {
		return nil, m.findError(err)
	}
	return &member, nil
}

func (m *MongoDB) UpsertMember(ctx context.Context, memberID string, upd entity.MemberUpdate) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	set := bson.D{}
	if upd.DisplayName != "" {
		set = append(set, bson.E{Key: "display_name", Value: upd.DisplayName})
	}
	if !upd.JoinedAt.IsZero() {
		set = append(set, bson.E{Key: "joined_at", Value: upd.JoinedAt})
	}
	if upd.LastNotifiedPeriod != "" {
		set = append(set, bson.E{Key: "last_notified_period", Value: upd.LastNotifiedPeriod})
	}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: time.Now()}}}}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}

	opts := options.Update().SetUpsert(true)
	_, err = m.collection(connection, collectionMembers).UpdateOne(ctx, bson.D{{Key: "member_id", Value: memberID}}, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// concurrent insert of the same member; retry as a plain update
		_, err = m.collection(connection, collectionMembers).UpdateOne(ctx, bson.D{{Key: "member_id", Value: memberID}}, update)
	}
	return err
}

// setOnce writes field values on the member only while guard is empty.
func (m *MongoDB) setOnce(ctx context.Context, memberID, guard string, values bson.D) (bool, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	filter := bson.D{
		{Key: "member_id", Value: memberID},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: guard, Value: ""}},
			bson.D{{Key: guard, Value: bson.D{{Key: "$exists", Value: false}}}},
		}},
	}
	update := bson.D{
		{Key: "$set", Value: values},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: time.Now()}}},
	}
	opts := options.Update().SetUpsert(true)
	res, err := m.collection(connection, collectionMembers).UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// the member exists and the field is already set
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}

func (m *MongoDB) SetInviter(ctx context.Context, memberID, inviterID, code string) (bool, error) {
	return m.setOnce(ctx, memberID, "inviter_id", bson.D{
		{Key: "inviter_id", Value: inviterID},
		{Key: "joined_via", Value: code},
	})
}

func (m *MongoDB) SetInviteCode(ctx context.Context, memberID, code string) (bool, error) {
	return m.setOnce(ctx, memberID, "invite_code", bson.D{
		{Key: "invite_code", Value: code},
	})
}

func (m *MongoDB) AppendEvent(ctx context.Context, evt *entity.AttributionEvent) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	_, err = m.collection(connection, collectionEvents).InsertOne(ctx, evt)
	if mongo.IsDuplicateKeyError(err) {
		return entity.ErrDuplicate
	}
	return err
}

func (m *MongoDB) FindEventByInvitee(ctx context.Context, inviteeID string) (*entity.AttributionEvent, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var evt entity.AttributionEvent
	err = m.collection(connection, collectionEvents).FindOne(ctx, bson.D{{Key: "invitee_id", Value: inviteeID}}).Decode(&evt)
	if err != nil {
		return nil, m.findError(err)
	}
	return &evt, nil
}

func (m *MongoDB) QueryByPeriod(ctx context.Context, key string) ([]*entity.AttributionEvent, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := m.collection(connection, collectionEvents).Find(ctx, bson.D{{Key: "period", Value: key}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*entity.AttributionEvent
	if err = cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (m *MongoDB) MarkQualified(ctx context.Context, inviteeID string, at time.Time) (bool, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "invitee_id", Value: inviteeID}, {Key: "qualified", Value: false}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "qualified", Value: true},
		{Key: "qualified_at", Value: at},
	}}}
	res, err := m.collection(connection, collectionEvents).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoDB) FindInvite(ctx context.Context, code string) (*entity.Invite, error) {
	return m.findInvite(ctx, bson.D{{Key: "code", Value: code}})
}

func (m *MongoDB) FindInviteByOwner(ctx context.Context, groupID int64, ownerID string) (*entity.Invite, error) {
	return m.findInvite(ctx, bson.D{{Key: "group_id", Value: groupID}, {Key: "owner_id", Value: ownerID}})
}

func (m *MongoDB) findInvite(ctx context.Context, filter bson.D) (*entity.Invite, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var invite entity.Invite
	err = m.collection(connection, collectionInvites).FindOne(ctx, filter).Decode(&invite)
	if err != nil {
		return nil, m.findError(err)
	}
	return &invite, nil
}

func (m *MongoDB) CreateInvite(ctx context.Context, inv *entity.Invite) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	_, err = m.collection(connection, collectionInvites).InsertOne(ctx, inv)
	if mongo.IsDuplicateKeyError(err) {
		return entity.ErrDuplicate
	}
	return err
}

func (m *MongoDB) IncrementInviteUse(ctx context.Context, code string) (bool, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "use_count", Value: 1}}}}
	res, err := m.collection(connection, collectionInvites).UpdateOne(ctx, bson.D{{Key: "code", Value: code}}, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (m *MongoDB) InviteCounts(ctx context.Context, groupID int64) (entity.Snapshot, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	opts := options.Find().SetProjection(bson.D{{Key: "code", Value: 1}, {Key: "use_count", Value: 1}})
	cursor, err := m.collection(connection, collectionInvites).Find(ctx, bson.D{{Key: "group_id", Value: groupID}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	snap := entity.Snapshot{}
	for cursor.Next(ctx) {
		var inv entity.Invite
		if err = cursor.Decode(&inv); err != nil {
			return nil, err
		}
		snap[inv.Code] = inv.UseCount
	}
	return snap, cursor.Err()
}

func (m *MongoDB) CreateApplication(ctx context.Context, app *entity.Application) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	if app.Status == "" {
		app.Status = entity.ApplicationPending
	}
	_, err = m.collection(connection, collectionApplications).InsertOne(ctx, app)
	if mongo.IsDuplicateKeyError(err) {
		return entity.ErrDuplicate
	}
	return err
}

func (m *MongoDB) ApproveApplication(ctx context.Context, memberID string, at time.Time) (bool, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "member_id", Value: memberID}, {Key: "status", Value: entity.ApplicationPending}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: entity.ApplicationApproved},
		{Key: "approved_at", Value: at},
	}}}
	res, err := m.collection(connection, collectionApplications).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoDB) QueryApprovedUngranted(ctx context.Context, limit, maxAttempts int) ([]*entity.Application, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	filter := bson.D{
		{Key: "status", Value: entity.ApplicationApproved},
		{Key: "attempts", Value: bson.D{{Key: "$lt", Value: maxAttempts}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "approved_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := m.collection(connection, collectionApplications).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var apps []*entity.Application
	if err = cursor.All(ctx, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (m *MongoDB) MarkGranted(ctx context.Context, memberID string, at time.Time) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "member_id", Value: memberID}, {Key: "status", Value: entity.ApplicationApproved}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: entity.ApplicationGranted},
		{Key: "granted_at", Value: at},
	}}}
	res, err := m.collection(connection, collectionApplications).UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (m *MongoDB) MarkGrantFailed(ctx context.Context, memberID, reason string) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "last_error", Value: reason}}},
	}
	res, err := m.collection(connection, collectionApplications).UpdateOne(ctx, bson.D{{Key: "member_id", Value: memberID}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (m *MongoDB) ListApplications(ctx context.Context, status entity.ApplicationStatus) ([]*entity.Application, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	filter := bson.D{}
	if status != "" {
		filter = bson.D{{Key: "status", Value: status}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.collection(connection, collectionApplications).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var apps []*entity.Application
	if err = cursor.All(ctx, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (m *MongoDB) FindPublication(ctx context.Context, title string) (*entity.Publication, error) {
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var pub entity.Publication
	err = m.collection(connection, collectionPublications).FindOne(ctx, bson.D{{Key: "title", Value: title}}).Decode(&pub)
	if err != nil {
		return nil, m.findError(err)
	}
	return &pub, nil
}

func (m *MongoDB) SavePublication(ctx context.Context, pub *entity.Publication) error {
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "title", Value: pub.Title}}
	update := bson.D{{Key: "$set", Value: pub}}
	opts := options.Update().SetUpsert(true)
	_, err = m.collection(connection, collectionPublications).UpdateOne(ctx, filter, update, opts)
	return err
}
