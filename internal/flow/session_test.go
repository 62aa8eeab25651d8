package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

func TestSessionManagerCreatesNewSession(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore())

	session, release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	if session.ID != "s1" {
		t.Errorf("session ID = %q, want s1", session.ID)
	}
	if session.State != models.StateCollectService {
		t.Errorf("new session state = %s, want COLLECT_SERVICE", session.State)
	}
}

func TestSessionManagerRejectsEmptyID(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore())
	if _, _, err := m.Acquire(context.Background(), ""); err == nil {
		t.Fatal("empty session ID should be rejected")
	}
}

func TestSessionManagerPersistsOnRelease(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewSessionManager(st)

	session, release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	session.Data[models.DataKeyServiceID] = "svc-consult"
	release()

	stored, err := st.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored == nil {
		t.Fatal("session was not persisted on release")
	}
	if stored.Data[models.DataKeyServiceID] != "svc-consult" {
		t.Errorf("persisted data missing: %v", stored.Data)
	}
}

func TestSessionManagerLoadsFromStore(t *testing.T) {
	st := store.NewInMemoryStore()
	persisted := models.NewSession("s1")
	persisted.State = models.StateConfirm
	persisted.Data[models.DataKeyServiceID] = "svc-checkup"
	if err := st.SaveSession(*persisted); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	m := NewSessionManager(st)
	session, release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	if session.State != models.StateConfirm {
		t.Errorf("loaded state = %s, want CONFIRM", session.State)
	}
	if session.Data[models.DataKeyServiceID] != "svc-checkup" {
		t.Errorf("loaded data missing: %v", session.Data)
	}
}

func TestSessionManagerSerializesTurns(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore())

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				session, release, err := m.Acquire(context.Background(), "shared")
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				session.VerifyAttempts++
				release()
			}
		}()
	}
	wg.Wait()

	session, release, err := m.Acquire(context.Background(), "shared")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()
	if session.VerifyAttempts != workers*perWorker {
		t.Errorf("lost updates under concurrency: got %d, want %d", session.VerifyAttempts, workers*perWorker)
	}
}

func TestSessionManagerAcquireRespectsContext(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore())

	_, release, err := m.Acquire(context.Background(), "held")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := m.Acquire(ctx, "held"); err == nil {
		t.Error("Acquire on a held session should fail when the context expires")
	}

	release()

	// The lock must be usable again after the abandoned wait.
	session, release2, err := m.Acquire(context.Background(), "held")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if session == nil {
		t.Fatal("expected session")
	}
	release2()
}

func TestSessionManagerReset(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewSessionManager(st)

	session, release, _ := m.Acquire(context.Background(), "s1")
	session.Data[models.DataKeyServiceID] = "svc-consult"
	release()

	if err := m.Reset("s1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	stored, _ := st.GetSession("s1")
	if stored != nil {
		t.Error("session should be removed from the store after reset")
	}

	fresh, release2, _ := m.Acquire(context.Background(), "s1")
	defer release2()
	if fresh.HasData(models.DataKeyServiceID) {
		t.Error("session after reset should be fresh")
	}
}

func TestSessionManagerSnapshot(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore())

	snapshot, err := m.Snapshot(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot != nil {
		t.Error("snapshot of unknown session should be nil")
	}

	session, release, _ := m.Acquire(context.Background(), "s1")
	session.Data[models.DataKeyServiceID] = "svc-consult"
	session.AppendMessage(models.RoleUser, "hi")
	release()

	snapshot, err = m.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot == nil {
		t.Fatal("expected snapshot")
	}
	if snapshot.Turns != 1 {
		t.Errorf("snapshot turns = %d, want 1", snapshot.Turns)
	}
	if snapshot.Data[models.DataKeyServiceID] != "svc-consult" {
		t.Errorf("snapshot data missing: %v", snapshot.Data)
	}
}
