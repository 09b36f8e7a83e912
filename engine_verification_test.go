package keyfold_test

import (
	"context"
	"errors"
	"testing"

	"github.com/keyfold/keyfold"
)

func TestVerificationRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()
	res := signUpEmailUser(t, engine, "verify@example.com", "hunter2hunter2")

	issue, err := engine.SendVerification(ctx, keyfold.TypeEmail, "VERIFY@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(issue.Code) != 6 {
		t.Errorf("code length = %d, want 6", len(issue.Code))
	}

	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "verify@example.com", issue.Code); err != nil {
		t.Fatal(err)
	}

	ids, err := engine.ListIdentifiers(ctx, res.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if !ids[0].Verified {
		t.Error("identifier not marked verified")
	}
	level, err := engine.GetRecoveryLevel(ctx, res.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if level != keyfold.LevelFull {
		t.Errorf("level = %s, want FULL after verification", level)
	}
}

func TestVerificationWrongCodeBurnsAttempts(t *testing.T) {
	engine, _ := newTestEngine(t, func(c *keyfold.Config) {
		c.Verification.MaxAttempts = 2
	})
	ctx := context.Background()
	signUpEmailUser(t, engine, "attempts@example.com", "hunter2hunter2")

	issue, err := engine.SendVerification(ctx, keyfold.TypeEmail, "attempts@example.com")
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000000"
	if wrong == issue.Code {
		wrong = "000001"
	}

	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "attempts@example.com", wrong); !errors.Is(err, keyfold.ErrVerificationInvalid) {
		t.Fatalf("first wrong attempt: %v", err)
	}
	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "attempts@example.com", wrong); !errors.Is(err, keyfold.ErrVerificationAttempts) {
		t.Fatalf("budget exhaustion: %v", err)
	}
	// The challenge is consumed; even the right code fails now.
	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "attempts@example.com", issue.Code); !errors.Is(err, keyfold.ErrVerificationInvalid) {
		t.Fatalf("after exhaustion: %v", err)
	}
}

func TestVerificationUnknownIdentifierLooksIdentical(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()
	signUpEmailUser(t, engine, "known@example.com", "hunter2hunter2")

	known, err := engine.SendVerification(ctx, keyfold.TypeEmail, "known@example.com")
	if err != nil {
		t.Fatal(err)
	}
	unknown, err := engine.SendVerification(ctx, keyfold.TypeEmail, "ghost@example.com")
	if err != nil {
		t.Fatalf("unknown identifier must not error: %v", err)
	}
	if len(unknown.Code) != len(known.Code) {
		t.Errorf("response shapes differ: %d vs %d digits", len(unknown.Code), len(known.Code))
	}

	// The throwaway code can never confirm anything.
	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "ghost@example.com", unknown.Code); !errors.Is(err, keyfold.ErrVerificationInvalid) {
		t.Errorf("ghost confirmation: %v", err)
	}
}

func TestVerificationNonContactTypeRejected(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.SendVerification(context.Background(), keyfold.TypeUsername, "ada")
	if !errors.Is(err, keyfold.ErrVerificationInvalid) {
		t.Errorf("err = %v, want ErrVerificationInvalid", err)
	}
}

func TestVerificationDisabled(t *testing.T) {
	engine, _ := newTestEngine(t, func(c *keyfold.Config) {
		c.Verification.Enabled = false
	})

	_, err := engine.SendVerification(context.Background(), keyfold.TypeEmail, "a@example.com")
	if !errors.Is(err, keyfold.ErrVerificationDisabled) {
		t.Errorf("err = %v, want ErrVerificationDisabled", err)
	}
}

func TestVerificationReissueReplacesChallenge(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()
	signUpEmailUser(t, engine, "reissue@example.com", "hunter2hunter2")

	first, err := engine.SendVerification(ctx, keyfold.TypeEmail, "reissue@example.com")
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.SendVerification(ctx, keyfold.TypeEmail, "reissue@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if first.Code != second.Code {
		// The old code is superseded.
		if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "reissue@example.com", first.Code); !errors.Is(err, keyfold.ErrVerificationInvalid) {
			t.Errorf("superseded code: %v", err)
		}
	}
	if err := engine.ConfirmVerification(ctx, keyfold.TypeEmail, "reissue@example.com", second.Code); err != nil {
		t.Errorf("latest code rejected: %v", err)
	}
}
