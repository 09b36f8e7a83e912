package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func testIdentifier(id, userID, value string) keyfold.Identifier {
	return keyfold.Identifier{
		ID:              id,
		UserID:          userID,
		Type:            keyfold.TypeEmail,
		NormalizedValue: value,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "a@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "i1" {
		t.Errorf("created id = %s", created.ID)
	}

	got, err := s.GetIdentifier(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NormalizedValue != "a@example.com" || got.UserID != "u1" {
		t.Errorf("got %+v", got)
	}

	byValue, err := s.GetIdentifierByValue(ctx, keyfold.TypeEmail, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if byValue.ID != "i1" {
		t.Errorf("lookup by value returned %s", byValue.ID)
	}

	userID, err := s.GetUserByIdentifier(ctx, keyfold.TypeEmail, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" {
		t.Errorf("owner = %s", userID)
	}
}

func TestCreateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateIdentifier(ctx, testIdentifier("i2", "u2", "a@example.com"))
	if !errors.Is(err, keyfold.ErrStoreConflict) {
		t.Errorf("err = %v, want ErrStoreConflict", err)
	}

	// The loser left no trace.
	if _, err := s.GetIdentifier(ctx, "i2"); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("loser body exists: %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetIdentifier(ctx, "nope"); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, err := s.GetIdentifierByValue(ctx, keyfold.TypeEmail, "nope@example.com"); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestUpdateIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}

	verified := true
	hash := "$argon2id$new"
	updated, err := s.UpdateIdentifier(ctx, "i1", keyfold.IdentifierUpdate{
		Verified:       &verified,
		CredentialHash: &hash,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Verified || updated.CredentialHash != hash {
		t.Errorf("updated %+v", updated)
	}

	got, err := s.GetIdentifier(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified {
		t.Error("update not persisted")
	}

	if _, err := s.UpdateIdentifier(ctx, "nope", keyfold.IdentifierUpdate{Verified: &verified}); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestListAndDeleteUserIdentifiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}
	second := testIdentifier("i2", "u1", "ada")
	second.Type = keyfold.TypeUsername
	if _, err := s.CreateIdentifier(ctx, second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateIdentifier(ctx, testIdentifier("i3", "u2", "b@example.com")); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListUserIdentifiers(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("list = %+v", ids)
	}

	if err := s.DeleteUserIdentifiers(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	ids, err = s.ListUserIdentifiers(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("identifiers survive: %+v", ids)
	}
	// Values are freed.
	if _, err := s.CreateIdentifier(ctx, testIdentifier("i4", "u3", "a@example.com")); err != nil {
		t.Errorf("freed value not claimable: %v", err)
	}
	// Unrelated user untouched.
	if _, err := s.GetIdentifier(ctx, "i3"); err != nil {
		t.Errorf("unrelated identifier deleted: %v", err)
	}
}

func TestStaleUserSetMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := New(client)
	ctx := context.Background()

	if _, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}
	// A member whose body is gone, as a crashed delete would leave it.
	if err := client.SAdd(ctx, userKey("u1"), "i-gone").Err(); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListUserIdentifiers(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].ID != "i1" {
		t.Errorf("list = %+v, want only i1", ids)
	}

	if err := client.SAdd(ctx, userKey("u1"), "i-gone").Err(); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUserIdentifiers(ctx, "u1"); err != nil {
		t.Errorf("stale member broke delete: %v", err)
	}
}

func TestReplaceIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateIdentifier(ctx, testIdentifier("i1", "u1", "old@example.com")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateIdentifier(ctx, testIdentifier("i2", "u2", "taken@example.com")); err != nil {
		t.Fatal(err)
	}

	// Conflicting target: nothing changes.
	if _, err := s.ReplaceIdentifier(ctx, "i1", testIdentifier("i3", "u1", "taken@example.com")); !errors.Is(err, keyfold.ErrStoreConflict) {
		t.Fatalf("err = %v, want ErrStoreConflict", err)
	}
	if _, err := s.GetIdentifier(ctx, "i1"); err != nil {
		t.Errorf("old row lost on failed replace: %v", err)
	}

	// Clean replace.
	replaced, err := s.ReplaceIdentifier(ctx, "i1", testIdentifier("i3", "u1", "new@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if replaced.ID != "i3" {
		t.Errorf("replacement id = %s", replaced.ID)
	}
	if _, err := s.GetIdentifier(ctx, "i1"); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("old row still present: %v", err)
	}
	if _, err := s.GetIdentifierByValue(ctx, keyfold.TypeEmail, "old@example.com"); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("old index entry still present: %v", err)
	}
	ids, err := s.ListUserIdentifiers(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].ID != "i3" {
		t.Errorf("user set after replace: %+v", ids)
	}

	// Replacing a missing row reports not found.
	if _, err := s.ReplaceIdentifier(ctx, "ghost", testIdentifier("i9", "u1", "x@example.com")); !errors.Is(err, keyfold.ErrIdentifierNotFound) {
		t.Errorf("err = %v", err)
	}
}
