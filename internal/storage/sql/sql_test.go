package sql

import (
	"context"
	"testing"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPreparePlaceholdersTranslatesForPostgres(t *testing.T) {
	s := &Store{driver: "pgx"}
	got := s.preparePlaceholders(`SELECT * FROM t WHERE a = ? AND b = ?`)
	want := `SELECT * FROM t WHERE a = $1 AND b = $2`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPreparePlaceholdersLeavesSQLiteUntouched(t *testing.T) {
	s := &Store{driver: "sqlite"}
	q := `SELECT * FROM t WHERE a = ?`
	if got := s.preparePlaceholders(q); got != q {
		t.Errorf("got %q, want unchanged %q", got, q)
	}
}

func TestIsSQLiteBusyError(t *testing.T) {
	if !isSQLiteBusyError(errDatabaseLocked{}) {
		t.Error("expected database-is-locked message to be recognized as busy")
	}
	if isSQLiteBusyError(nil) {
		t.Error("nil should never be a busy error")
	}
}

type errDatabaseLocked struct{}

func (errDatabaseLocked) Error() string { return "database is locked" }

func TestInsertAndClaimMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, model.MqttMessage{
		Client: "farm1", Topic: "farm1/weather/node3", Payload: []byte(`{"battery":3.2}`), QoS: 0, At: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	claimed, err := s.ClaimUnprocessedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected to claim the inserted message, got %+v", claimed)
	}

	again, err := s.ClaimUnprocessedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected already-claimed message to be excluded, got %d", len(again))
	}

	if err := s.MarkProcessed(ctx, id); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
}

func TestAcquireJobRejectsConcurrentRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AcquireJob(ctx, "MqttTransfer"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s.AcquireJob(ctx, "MqttTransfer"); err != ErrJobAlreadyRunning {
		t.Fatalf("expected ErrJobAlreadyRunning, got %v", err)
	}
	if err := s.ReleaseJob(ctx, "MqttTransfer", 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.AcquireJob(ctx, "MqttTransfer"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestCryptoKeyStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := s.PutKey(ctx, "primary", 1, key); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetKey(ctx, "primary", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(key) {
		t.Error("round-tripped key material did not match")
	}
	v, err := s.LatestVersion(ctx, "primary")
	if err != nil || v != 1 {
		t.Errorf("expected latest version 1, got %d (err %v)", v, err)
	}
}
