package keyfold_test

import (
	"context"
	"testing"
	"time"

	"github.com/keyfold/keyfold"
)

// seedFlatUser inserts a pre-migration flat record directly, as a legacy
// deployment would have left it.
func seedFlatUser(t *testing.T, store interface {
	CreateUser(ctx context.Context, user keyfold.UserRecord) (keyfold.UserRecord, error)
}, user keyfold.UserRecord) {
	t.Helper()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		user.UpdatedAt = user.CreatedAt
	}
	if _, err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user %s: %v", user.UserID, err)
	}
}

func TestMigrateUserDerivesIdentifiers(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	seedFlatUser(t, store, keyfold.UserRecord{
		UserID:        "legacy-1",
		Email:         "legacy@example.com",
		EmailVerified: true,
		PasswordHash:  "$argon2id$stub",
		LinkedAccounts: []keyfold.LinkedAccount{
			{Provider: "github", Subject: "42", Tokens: map[string]string{"refresh_token": "rt-1"}},
		},
	})

	created, err := engine.MigrateUser(ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d identifiers, want 2", len(created))
	}

	ids, err := engine.ListIdentifiers(ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	var email, oauth *keyfold.Identifier
	for i := range ids {
		switch ids[i].Type {
		case keyfold.TypeEmail:
			email = &ids[i]
		case keyfold.TypeOAuth:
			oauth = &ids[i]
		}
	}
	if email == nil || email.NormalizedValue != "legacy@example.com" || !email.Verified || email.CredentialHash != "$argon2id$stub" {
		t.Errorf("email identifier %+v", email)
	}
	if oauth == nil || oauth.NormalizedValue != "github:42" || !oauth.Verified {
		t.Errorf("oauth identifier %+v", oauth)
	}
	if oauth != nil {
		if oauth.Metadata["provider"] != "github" {
			t.Errorf("oauth provider metadata = %q, want github", oauth.Metadata["provider"])
		}
		if oauth.Metadata["refresh_token"] != "rt-1" {
			t.Errorf("oauth tokens not carried over: %+v", oauth.Metadata)
		}
	}
}

func TestMigrateUserIdempotent(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	seedFlatUser(t, store, keyfold.UserRecord{
		UserID: "legacy-1",
		Email:  "legacy@example.com",
	})

	first, err := engine.MigrateUser(ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := engine.MigrateUser(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("second run must be a no-op, got %v", err)
	}
	if len(first) != 1 || len(again) != len(first) {
		t.Fatalf("identifier sets differ: first %d, second %d", len(first), len(again))
	}
	for i := range first {
		if again[i].ID != first[i].ID {
			t.Errorf("second run returned different identifier: %s != %s", again[i].ID, first[i].ID)
		}
	}

	ids, err := engine.ListIdentifiers(ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("identifier count = %d after double migration", len(ids))
	}
}

func TestMigrateAllIsolatesFailures(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	// A virtual-mode user already owns claimed@example.com.
	claimed := signUpEmailUser(t, engine, "claimed@example.com", "hunter2hunter2")

	seedFlatUser(t, store, keyfold.UserRecord{UserID: "ok-1", Email: "ok1@example.com"})
	seedFlatUser(t, store, keyfold.UserRecord{UserID: "dup-1", Email: "claimed@example.com"})
	seedFlatUser(t, store, keyfold.UserRecord{UserID: "ok-2", Email: "ok2@example.com"})

	report, err := engine.MigrateAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 4 {
		t.Errorf("scanned = %d, want 4", report.Scanned)
	}
	if report.Migrated != 2 {
		t.Errorf("migrated = %d, want 2", report.Migrated)
	}
	// The already-migrated virtual user counts as skipped.
	if report.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", report.Skipped)
	}
	if len(report.Failures) != 1 || report.Failures[0].UserID != "dup-1" {
		t.Errorf("failures = %+v", report.Failures)
	}

	// The conflicting identifier still belongs to its original owner.
	owner, err := store.GetUserByIdentifier(ctx, keyfold.TypeEmail, "claimed@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if owner != claimed.UserID {
		t.Errorf("claimed email now owned by %s", owner)
	}
}

func TestMigrateAllRerunConverges(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	seedFlatUser(t, store, keyfold.UserRecord{UserID: "u1", Email: "u1@example.com"})
	seedFlatUser(t, store, keyfold.UserRecord{UserID: "u2", Email: "u2@example.com"})

	if _, err := engine.MigrateAll(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := engine.MigrateAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Migrated != 0 || len(report.Failures) != 0 {
		t.Errorf("re-run not idempotent: %+v", report)
	}
	if report.Skipped != report.Scanned {
		t.Errorf("re-run should skip everything: %+v", report)
	}
}

func TestLazyMigrationOnLegacyRead(t *testing.T) {
	engine, store := newTestEngine(t, func(c *keyfold.Config) {
		c.MigrateExistingData = true
	})
	ctx := context.Background()

	seedFlatUser(t, store, keyfold.UserRecord{
		UserID:        "lazy-1",
		Email:         "lazy@example.com",
		EmailVerified: true,
		PasswordHash:  "$argon2id$stub",
	})

	view, err := engine.LegacyGetUser(ctx, "lazy-1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Email != "lazy@example.com" || !view.EmailVerified {
		t.Errorf("view %+v", view)
	}
	if view.RecoveryLevel != keyfold.LevelFull {
		t.Errorf("level = %s, want FULL", view.RecoveryLevel)
	}

	// The read persisted the derived identifiers.
	ids, err := store.ListUserIdentifiers(ctx, "lazy-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].Type != keyfold.TypeEmail {
		t.Errorf("lazily migrated identifiers %+v", ids)
	}
}

func TestNoLazyMigrationWhenDisabled(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	seedFlatUser(t, store, keyfold.UserRecord{
		UserID: "cold-1",
		Email:  "cold@example.com",
	})

	if _, err := engine.LegacyGetUser(ctx, "cold-1"); err != nil {
		t.Fatal(err)
	}
	ids, err := store.ListUserIdentifiers(ctx, "cold-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("identifiers persisted without MigrateExistingData: %+v", ids)
	}
}
