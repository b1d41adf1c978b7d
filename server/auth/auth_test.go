package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tickloom/tickloom/server/store"
)

func TestMintAndVerify(t *testing.T) {
	plaintext, keyID, hash, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !strings.HasPrefix(plaintext, keyID+".") {
		t.Errorf("plaintext %q does not embed key id %q", plaintext, keyID)
	}
	if !strings.HasPrefix(keyID, "tl_") {
		t.Errorf("key id %q lacks the public prefix", keyID)
	}

	gotID, secret, err := SplitKey(plaintext)
	if err != nil {
		t.Fatalf("SplitKey: %v", err)
	}
	if gotID != keyID {
		t.Errorf("SplitKey id = %q, want %q", gotID, keyID)
	}
	if !Verify(hash, secret) {
		t.Error("minted secret must verify against its own hash")
	}
	if Verify(hash, secret+"x") {
		t.Error("tampered secret must not verify")
	}
}

func TestSplitKeyRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "tl_", "tl_.", ".secret", "nope.abc", "tl_abc_def", "abc"} {
		if _, _, err := SplitKey(token); err == nil {
			t.Errorf("SplitKey(%q) = nil error, want failure", token)
		}
	}
}

func seedKey(t *testing.T, st *store.MemoryStore) (plaintext string, key *store.APIKey) {
	t.Helper()
	ctx := context.Background()
	org := &store.Organization{
		ID:        "org-1",
		Name:      "acme",
		Tier:      store.TierFree,
		ResetAt:   time.Now().UTC().AddDate(0, 1, 0),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	plaintext, keyID, hash, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	key = &store.APIKey{
		ID:             "key-1",
		OrganizationID: org.ID,
		Name:           "default",
		KeyID:          keyID,
		KeyHash:        hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return plaintext, key
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil)
	plaintext, _ := seedKey(t, st)

	p, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Org.ID != "org-1" || p.Key.ID != "key-1" {
		t.Errorf("principal = %+v", p)
	}

	// Second call is served from cache and still verifies the secret.
	if _, err := svc.Authenticate(ctx, plaintext); err != nil {
		t.Errorf("cached Authenticate: %v", err)
	}

	// Same key id, wrong secret must fail even while cached.
	if _, err := svc.Authenticate(ctx, plaintext+"0"); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("wrong secret = %v, want ErrUnauthorized", err)
	}

	if _, err := svc.Authenticate(ctx, "tl_ffffffffffff.deadbeef"); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("unknown key = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateTouchesLastUsedOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil)
	plaintext, key := seedKey(t, st)

	for i := 0; i < 3; i++ {
		if _, err := svc.Authenticate(ctx, plaintext); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}

	keys, err := st.ListAPIKeys(ctx, "org-1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %v, %v", keys, err)
	}
	first := keys[0].LastUsedAt
	if first == nil {
		t.Fatal("last_used_at not set")
	}

	// Within the debounce window repeated calls must not rewrite it.
	time.Sleep(10 * time.Millisecond)
	if _, err := svc.Authenticate(ctx, plaintext); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	keys, _ = st.ListAPIKeys(ctx, "org-1")
	if !keys[0].LastUsedAt.Equal(*first) {
		t.Errorf("last_used_at rewritten within debounce window for %s", key.KeyID)
	}
}

func TestInvalidateEvictsCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil)
	plaintext, key := seedKey(t, st)

	if _, err := svc.Authenticate(ctx, plaintext); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Delete from the store and evict; the next attempt must miss the
	// cache and fail.
	if err := st.DeleteAPIKey(ctx, "org-1", key.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	svc.Invalidate(ctx, key.KeyID)

	if _, err := svc.Authenticate(ctx, plaintext); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("deleted key = %v, want ErrUnauthorized", err)
	}
}
