package sessioncache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testSession(id, userID string) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Service:   "profile",
		Scope:     "read write",
		ClientID:  "test-client",
		CreatedAt: time.Now(),
	}
}

func TestMemory_PutGet(t *testing.T) {
	cache := NewMemory()
	defer cache.Close()
	ctx := context.Background()

	if err := cache.Put(ctx, testSession("sess-1", "user-1"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := cache.Get(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Service != "profile" {
		t.Errorf("Service = %q, want %q", got.Service, "profile")
	}
}

func TestMemory_Get_WrongUser(t *testing.T) {
	cache := NewMemory()
	defer cache.Close()
	ctx := context.Background()

	if err := cache.Put(ctx, testSession("sess-1", "user-1"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// The composite key binds a session to the user who created it.
	_, err := cache.Get(ctx, "sess-1", "user-2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() with wrong user error = %v, want ErrNotFound", err)
	}
}

func TestMemory_Get_Expired(t *testing.T) {
	cache := NewMemory()
	defer cache.Close()
	ctx := context.Background()

	if err := cache.Put(ctx, testSession("sess-1", "user-1"), time.Nanosecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err := cache.Get(ctx, "sess-1", "user-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestMemory_Delete(t *testing.T) {
	cache := NewMemory()
	defer cache.Close()
	ctx := context.Background()

	if err := cache.Put(ctx, testSession("sess-1", "user-1"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := cache.Delete(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := cache.Get(ctx, "sess-1", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting again is a no-op.
	if err := cache.Delete(ctx, "sess-1", "user-1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestMemory_Put_RefreshesTTL(t *testing.T) {
	cache := NewMemory()
	defer cache.Close()
	ctx := context.Background()

	sess := testSession("sess-1", "user-1")
	if err := cache.Put(ctx, sess, 10*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := cache.Put(ctx, sess, time.Minute); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := cache.Get(ctx, "sess-1", "user-1"); err != nil {
		t.Errorf("Get() after TTL refresh error = %v", err)
	}
}
