// Package mongostore implements the keyfold storage capabilities on
// MongoDB. Identifier uniqueness rides on a unique compound index over
// (type, normalized_value); the database is the single arbiter of
// conflicting writes.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/keyfold/keyfold"
)

// Store implements keyfold.UserStore and keyfold.IdentifierStore.
type Store struct {
	users       *mongo.Collection
	identifiers *mongo.Collection
}

// New binds a Store to the given database, using the "users" and
// "identifiers" collections.
func New(db *mongo.Database) *Store {
	return &Store{
		users:       db.Collection("users"),
		identifiers: db.Collection("identifiers"),
	}
}

// EnsureIndexes creates the unique identifier key index and the lookup
// indexes. Call once at startup; index creation is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.identifiers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "normalized_value", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: identifier indexes: %w", err)
	}
	_, err = s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "email", Value: bson.D{{Key: "$gt", Value: ""}}}}),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: user indexes: %w", err)
	}
	return nil
}

type userDoc struct {
	UserID         string            `bson:"_id"`
	Email          string            `bson:"email,omitempty"`
	EmailVerified  bool              `bson:"email_verified"`
	PasswordHash   string            `bson:"password_hash,omitempty"`
	Name           string            `bson:"name,omitempty"`
	Role           string            `bson:"role,omitempty"`
	Profile        map[string]string `bson:"profile,omitempty"`
	LinkedAccounts []linkedAccount   `bson:"linked_accounts,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

type linkedAccount struct {
	Provider string            `bson:"provider"`
	Subject  string            `bson:"subject"`
	Tokens   map[string]string `bson:"tokens,omitempty"`
}

type identifierDoc struct {
	ID              string            `bson:"_id"`
	UserID          string            `bson:"user_id"`
	Type            string            `bson:"type"`
	NormalizedValue string            `bson:"normalized_value"`
	Verified        bool              `bson:"verified"`
	CredentialHash  string            `bson:"credential_hash,omitempty"`
	Metadata        map[string]string `bson:"metadata,omitempty"`
	CreatedAt       time.Time         `bson:"created_at"`
	UpdatedAt       time.Time         `bson:"updated_at"`
}

func toUserDoc(u keyfold.UserRecord) userDoc {
	doc := userDoc{
		UserID:        u.UserID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		PasswordHash:  u.PasswordHash,
		Name:          u.Name,
		Role:          u.Role,
		Profile:       u.Profile,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
	for _, a := range u.LinkedAccounts {
		doc.LinkedAccounts = append(doc.LinkedAccounts, linkedAccount(a))
	}
	return doc
}

func fromUserDoc(doc userDoc) keyfold.UserRecord {
	u := keyfold.UserRecord{
		UserID:        doc.UserID,
		Email:         doc.Email,
		EmailVerified: doc.EmailVerified,
		PasswordHash:  doc.PasswordHash,
		Name:          doc.Name,
		Role:          doc.Role,
		Profile:       doc.Profile,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	for _, a := range doc.LinkedAccounts {
		u.LinkedAccounts = append(u.LinkedAccounts, keyfold.LinkedAccount(a))
	}
	return u
}

func toIdentifierDoc(i keyfold.Identifier) identifierDoc {
	return identifierDoc{
		ID:              i.ID,
		UserID:          i.UserID,
		Type:            string(i.Type),
		NormalizedValue: i.NormalizedValue,
		Verified:        i.Verified,
		CredentialHash:  i.CredentialHash,
		Metadata:        i.Metadata,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

func fromIdentifierDoc(doc identifierDoc) keyfold.Identifier {
	return keyfold.Identifier{
		ID:              doc.ID,
		UserID:          doc.UserID,
		Type:            keyfold.IdentifierType(doc.Type),
		NormalizedValue: doc.NormalizedValue,
		Verified:        doc.Verified,
		CredentialHash:  doc.CredentialHash,
		Metadata:        doc.Metadata,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

func (s *Store) CreateUser(ctx context.Context, user keyfold.UserRecord) (keyfold.UserRecord, error) {
	if _, err := s.users.InsertOne(ctx, toUserDoc(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return keyfold.UserRecord{}, keyfold.ErrStoreConflict
		}
		return keyfold.UserRecord{}, fmt.Errorf("mongostore: insert user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*keyfold.UserRecord, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find user: %w", err)
	}
	user := fromUserDoc(doc)
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*keyfold.UserRecord, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find user by email: %w", err)
	}
	user := fromUserDoc(doc)
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, userID string, upd keyfold.UserUpdate) (*keyfold.UserRecord, error) {
	set := bson.D{{Key: "updated_at", Value: time.Now().UTC()}}
	if upd.Email != nil {
		set = append(set, bson.E{Key: "email", Value: *upd.Email})
	}
	if upd.EmailVerified != nil {
		set = append(set, bson.E{Key: "email_verified", Value: *upd.EmailVerified})
	}
	if upd.PasswordHash != nil {
		set = append(set, bson.E{Key: "password_hash", Value: *upd.PasswordHash})
	}
	if upd.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *upd.Name})
	}
	if upd.Role != nil {
		set = append(set, bson.E{Key: "role", Value: *upd.Role})
	}
	if upd.Profile != nil {
		set = append(set, bson.E{Key: "profile", Value: upd.Profile})
	}

	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrUserNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return nil, keyfold.ErrStoreConflict
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: update user: %w", err)
	}
	user := fromUserDoc(doc)
	return &user, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.users.DeleteOne(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return fmt.Errorf("mongostore: delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return keyfold.ErrUserNotFound
	}
	return nil
}

// FindUsers resolves pred to a user-ID set and fetches the records.
// Identifier predicates are resolved against the identifiers collection;
// composites combine ID sets by intersection and union.
func (s *Store) FindUsers(ctx context.Context, pred keyfold.StorePredicate) ([]keyfold.UserRecord, error) {
	filter := bson.D{}
	if pred != nil {
		ids, all, err := s.resolveUserIDs(ctx, pred)
		if err != nil {
			return nil, err
		}
		if !all {
			if len(ids) == 0 {
				return nil, nil
			}
			filter = bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: setToSlice(ids)}}}}
		}
	}

	cursor, err := s.users.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find users: %w", err)
	}
	defer cursor.Close(ctx)

	var out []keyfold.UserRecord
	for cursor.Next(ctx) {
		var doc userDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode user: %w", err)
		}
		out = append(out, fromUserDoc(doc))
	}
	return out, cursor.Err()
}

// resolveUserIDs evaluates a predicate to the set of matching user IDs.
// all reports the degenerate everything-matches case.
func (s *Store) resolveUserIDs(ctx context.Context, pred keyfold.StorePredicate) (map[string]bool, bool, error) {
	switch p := pred.(type) {
	case nil:
		return nil, true, nil
	case keyfold.HasIdentifier:
		ids, err := s.userIDsMatching(ctx, s.identifiers, bson.D{
			{Key: "type", Value: string(p.Type)},
			{Key: "normalized_value", Value: p.NormalizedValue},
		}, "user_id")
		return ids, false, err
	case keyfold.UserFieldEquals:
		field := p.Field
		switch field {
		case "name", "role", "email":
		default:
			field = "profile." + field
		}
		ids, err := s.userIDsMatching(ctx, s.users, bson.D{{Key: field, Value: p.Value}}, "_id")
		return ids, false, err
	case keyfold.AllOf:
		var acc map[string]bool
		accAll := true
		for _, child := range p {
			ids, all, err := s.resolveUserIDs(ctx, child)
			if err != nil {
				return nil, false, err
			}
			if all {
				continue
			}
			if accAll {
				acc, accAll = ids, false
				continue
			}
			acc = intersect(acc, ids)
			if len(acc) == 0 {
				return acc, false, nil
			}
		}
		return acc, accAll, nil
	case keyfold.AnyOf:
		acc := make(map[string]bool)
		for _, child := range p {
			ids, all, err := s.resolveUserIDs(ctx, child)
			if err != nil {
				return nil, false, err
			}
			if all {
				return nil, true, nil
			}
			for id := range ids {
				acc[id] = true
			}
		}
		return acc, false, nil
	default:
		return nil, false, fmt.Errorf("mongostore: %w: %T", keyfold.ErrUnsupportedQuery, pred)
	}
}

func (s *Store) userIDsMatching(ctx context.Context, coll *mongo.Collection, filter bson.D, idField string) (map[string]bool, error) {
	var ids []string
	if err := coll.Distinct(ctx, idField, filter).Decode(&ids); err != nil {
		return nil, fmt.Errorf("mongostore: distinct: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for id := range a {
		if b[id] {
			out[id] = true
		}
	}
	return out
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (s *Store) CreateIdentifier(ctx context.Context, ident keyfold.Identifier) (keyfold.Identifier, error) {
	if _, err := s.identifiers.InsertOne(ctx, toIdentifierDoc(ident)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return keyfold.Identifier{}, keyfold.ErrStoreConflict
		}
		return keyfold.Identifier{}, fmt.Errorf("mongostore: insert identifier: %w", err)
	}
	return ident, nil
}

func (s *Store) GetIdentifier(ctx context.Context, id string) (*keyfold.Identifier, error) {
	var doc identifierDoc
	err := s.identifiers.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find identifier: %w", err)
	}
	ident := fromIdentifierDoc(doc)
	return &ident, nil
}

func (s *Store) GetIdentifierByValue(ctx context.Context, t keyfold.IdentifierType, value string) (*keyfold.Identifier, error) {
	var doc identifierDoc
	err := s.identifiers.FindOne(ctx, bson.D{
		{Key: "type", Value: string(t)},
		{Key: "normalized_value", Value: value},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find identifier by value: %w", err)
	}
	ident := fromIdentifierDoc(doc)
	return &ident, nil
}

func (s *Store) GetUserByIdentifier(ctx context.Context, t keyfold.IdentifierType, value string) (string, error) {
	ident, err := s.GetIdentifierByValue(ctx, t, value)
	if err != nil {
		return "", err
	}
	return ident.UserID, nil
}

func (s *Store) UpdateIdentifier(ctx context.Context, id string, upd keyfold.IdentifierUpdate) (*keyfold.Identifier, error) {
	set := bson.D{{Key: "updated_at", Value: time.Now().UTC()}}
	if upd.Verified != nil {
		set = append(set, bson.E{Key: "verified", Value: *upd.Verified})
	}
	if upd.CredentialHash != nil {
		set = append(set, bson.E{Key: "credential_hash", Value: *upd.CredentialHash})
	}
	if upd.Metadata != nil {
		set = append(set, bson.E{Key: "metadata", Value: upd.Metadata})
	}

	var doc identifierDoc
	err := s.identifiers.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, keyfold.ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: update identifier: %w", err)
	}
	ident := fromIdentifierDoc(doc)
	return &ident, nil
}

func (s *Store) DeleteIdentifier(ctx context.Context, id string) error {
	res, err := s.identifiers.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("mongostore: delete identifier: %w", err)
	}
	if res.DeletedCount == 0 {
		return keyfold.ErrIdentifierNotFound
	}
	return nil
}

func (s *Store) ListUserIdentifiers(ctx context.Context, userID string) ([]keyfold.Identifier, error) {
	cursor, err := s.identifiers.Find(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list identifiers: %w", err)
	}
	defer cursor.Close(ctx)

	var out []keyfold.Identifier
	for cursor.Next(ctx) {
		var doc identifierDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode identifier: %w", err)
		}
		out = append(out, fromIdentifierDoc(doc))
	}
	return out, cursor.Err()
}

func (s *Store) DeleteUserIdentifiers(ctx context.Context, userID string) error {
	_, err := s.identifiers.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}})
	if err != nil {
		return fmt.Errorf("mongostore: delete user identifiers: %w", err)
	}
	return nil
}

// ReplaceIdentifier inserts the replacement before deleting the old row.
// The unique index rejects the insert when the new key is taken, and the
// user never passes through a state with zero rows. The transient state
// with both rows is harmless: both belong to the same user.
func (s *Store) ReplaceIdentifier(ctx context.Context, oldID string, replacement keyfold.Identifier) (keyfold.Identifier, error) {
	old, err := s.GetIdentifier(ctx, oldID)
	if err != nil {
		return keyfold.Identifier{}, err
	}
	if old.UserID != replacement.UserID {
		return keyfold.Identifier{}, keyfold.ErrIdentifierNotFound
	}

	if _, err := s.identifiers.InsertOne(ctx, toIdentifierDoc(replacement)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return keyfold.Identifier{}, keyfold.ErrStoreConflict
		}
		return keyfold.Identifier{}, fmt.Errorf("mongostore: insert replacement: %w", err)
	}
	if err := s.DeleteIdentifier(ctx, oldID); err != nil && !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		return keyfold.Identifier{}, fmt.Errorf("mongostore: drop replaced identifier: %w", err)
	}
	return replacement, nil
}
