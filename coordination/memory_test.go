package coordination

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTryCreate(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	acquired, err := store.TryCreate(ctx, "database#/data/app.db", "token-a", 5*time.Second)
	if err != nil {
		t.Errorf("Error occured creating lock record on empty store: %s", err.Error())
	}
	if !acquired {
		t.Errorf("Expected creation to succeed on empty store and it didn't")
	}

	acquired, err = store.TryCreate(ctx, "database#/data/app.db", "token-b", 5*time.Second)
	if err != nil {
		t.Errorf("Error occured creating lock record on held key: %s", err.Error())
	}
	if acquired {
		t.Errorf("Expected creation to fail while a live record exists and it didn't")
	}

	//Takeover only strictly after the expiry, not at it
	now = now.Add(5 * time.Second)
	acquired, _ = store.TryCreate(ctx, "database#/data/app.db", "token-b", 5*time.Second)
	if acquired {
		t.Errorf("Expected creation to fail at the exact expiry instant and it didn't")
	}

	now = now.Add(time.Millisecond)
	acquired, err = store.TryCreate(ctx, "database#/data/app.db", "token-b", 5*time.Second)
	if err != nil {
		t.Errorf("Error occured creating lock record on expired key: %s", err.Error())
	}
	if !acquired {
		t.Errorf("Expected creation to succeed strictly after expiry and it didn't")
	}

	record, found, _ := store.Inspect(ctx, "database#/data/app.db")
	if !found {
		t.Errorf("Expected a record after takeover and found none")
	}
	if record.Token != "token-b" {
		t.Errorf("Expected takeover record to carry the new token and got: %s", record.Token)
	}
}

func TestMemoryStoreReleaseIfOwned(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = store.TryCreate(ctx, "lock", "token-a", 5*time.Second)

	released, err := store.ReleaseIfOwned(ctx, "lock", "token-a")
	if err != nil {
		t.Errorf("Error occured releasing owned record: %s", err.Error())
	}
	if !released {
		t.Errorf("Expected owned release to succeed and it didn't")
	}

	released, _ = store.ReleaseIfOwned(ctx, "lock", "token-a")
	if released {
		t.Errorf("Expected second release to report nothing to release and it didn't")
	}
}

func TestMemoryStoreReleaseWithStaleToken(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = store.TryCreate(ctx, "lock", "token-a", 5*time.Second)

	//Holder A expires, holder B takes over
	now = now.Add(6 * time.Second)
	acquired, _ := store.TryCreate(ctx, "lock", "token-b", 5*time.Second)
	if !acquired {
		t.Errorf("Expected takeover after expiry to succeed and it didn't")
	}

	released, err := store.ReleaseIfOwned(ctx, "lock", "token-a")
	if err != nil {
		t.Errorf("Error occured releasing with stale token: %s", err.Error())
	}
	if released {
		t.Errorf("Expected stale-token release to report not released and it didn't")
	}

	record, found, _ := store.Inspect(ctx, "lock")
	if !found {
		t.Errorf("Expected new owner's record to survive a stale release and it didn't")
	}
	if record.Token != "token-b" {
		t.Errorf("Expected new owner's record to be intact and got token: %s", record.Token)
	}
}

func TestMemoryStoreInspect(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	_, found, err := store.Inspect(ctx, "lock")
	if err != nil {
		t.Errorf("Error occured inspecting absent record: %s", err.Error())
	}
	if found {
		t.Errorf("Expected no record on empty store and found one")
	}

	_, _ = store.TryCreate(ctx, "lock", "token-a", 5*time.Second)
	record, found, _ := store.Inspect(ctx, "lock")
	if !found {
		t.Errorf("Expected record after creation and found none")
	}
	if record.Token != "token-a" {
		t.Errorf("Expected record to carry the creation token and got: %s", record.Token)
	}
	if !record.ExpiresAt.Equal(now.Add(5 * time.Second)) {
		t.Errorf("Expected record expiry five seconds out and got: %s", record.ExpiresAt)
	}

	//Expired records are treated as absent
	now = now.Add(6 * time.Second)
	_, found, _ = store.Inspect(ctx, "lock")
	if found {
		t.Errorf("Expected expired record to be treated as absent and it wasn't")
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.TryCreate(ctx, "lock", "token-a", 5*time.Second)
	if err == nil {
		t.Errorf("Expected creation with a cancelled context to fail and it didn't")
	}
}
