package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/store/memstore"
	"github.com/MrWong99/rtcsession/pkg/store/mock"
	"github.com/MrWong99/rtcsession/pkg/types"
)

func TestJSON_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	want := types.UserSession{
		UserID:   "u1",
		UserName: "Ada",
		Role:     types.RoleCoHost,
		JoinTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := store.SetJSON(ctx, s, store.KeyUserSession, want); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	got, ok, err := store.GetJSON[types.UserSession](ctx, s, store.KeyUserSession)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("GetJSON = %+v, want %+v", got, want)
	}
}

func TestGetJSON_Absent(t *testing.T) {
	t.Parallel()
	_, ok, err := store.GetJSON[types.AudioSettings](context.Background(), memstore.New(), "nope")
	if err != nil || ok {
		t.Errorf("GetJSON(absent) = ok %v, err %v; want false, nil", ok, err)
	}
}

func TestGetJSON_CorruptValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	_ = s.Set(ctx, "k", []byte("{not json"))

	_, ok, err := store.GetJSON[types.AudioSettings](ctx, s, "k")
	if err == nil {
		t.Fatal("expected decode error")
	}
	if ok {
		t.Error("ok should be false on decode error")
	}
}

func TestGetJSON_BackendError(t *testing.T) {
	t.Parallel()
	s := mock.New()
	s.GetErr = errors.New("io")

	_, _, err := store.GetJSON[types.AudioSettings](context.Background(), s, "k")
	if !errors.Is(err, s.GetErr) {
		t.Errorf("err = %v, want wrapped %v", err, s.GetErr)
	}
}

func TestNamespaced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := mock.New()
	ns := store.Namespaced(inner, "tenant-a")

	if err := ns.Set(ctx, "k", []byte(`1`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !inner.Has("tenant-a:k") {
		t.Errorf("inner store missing prefixed key; calls = %+v", inner.Calls())
	}
	if _, ok, _ := ns.Get(ctx, "k"); !ok {
		t.Error("namespaced Get should see its own key")
	}
	if err := ns.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if inner.Has("tenant-a:k") {
		t.Error("key should be removed")
	}
}

func TestNamespaced_EmptyPrefixIsIdentity(t *testing.T) {
	t.Parallel()
	inner := memstore.New()
	if got := store.Namespaced(inner, ""); got != store.Store(inner) {
		t.Error("empty prefix should return the inner store")
	}
}
