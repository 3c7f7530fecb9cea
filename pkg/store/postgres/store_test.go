package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/rtcsession/pkg/store"
	"github.com/MrWong99/rtcsession/pkg/store/postgres"
	"github.com/MrWong99/rtcsession/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if RTCSESSION_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RTCSESSION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RTCSESSION_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS kv_store`); err != nil {
		t.Fatalf("drop kv_store: %v", err)
	}
	pool.Close()

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
	}

	want := types.AudioSettings{MicrophoneMuted: true, AudioMixingVolume: 42, PlaybackSignalVolume: 7}
	if err := store.SetJSON(ctx, s, store.KeyAudioSettings, want); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	got, ok, err := store.GetJSON[types.AudioSettings](ctx, s, store.KeyAudioSettings)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok %v, err %v", ok, err)
	}
	if got != want {
		t.Errorf("GetJSON = %+v, want %+v", got, want)
	}

	want.AudioMixingVolume = 90
	if err := store.SetJSON(ctx, s, store.KeyAudioSettings, want); err != nil {
		t.Fatalf("SetJSON (overwrite): %v", err)
	}
	got, _, _ = store.GetJSON[types.AudioSettings](ctx, s, store.KeyAudioSettings)
	if got.AudioMixingVolume != 90 {
		t.Errorf("AudioMixingVolume after overwrite = %d, want 90", got.AudioMixingVolume)
	}

	if err := s.Remove(ctx, store.KeyAudioSettings); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, store.KeyAudioSettings); ok {
		t.Error("key still present after Remove")
	}
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
