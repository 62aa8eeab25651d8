package store

import (
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func TestInMemoryStoreSaveAndGet(t *testing.T) {
	s := NewInMemoryStore()

	session := models.NewSession("s1")
	session.State = models.StateConfirm
	session.Data[models.DataKeyServiceID] = "svc-consult"
	session.AppendMessage(models.RoleUser, "book me in")
	if err := s.SaveSession(*session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("saved session not found")
	}
	if loaded.State != models.StateConfirm {
		t.Errorf("state = %s, want CONFIRM", loaded.State)
	}
	if loaded.Data[models.DataKeyServiceID] != "svc-consult" {
		t.Errorf("data missing: %v", loaded.Data)
	}
	if len(loaded.History) != 1 {
		t.Errorf("history length = %d, want 1", len(loaded.History))
	}
}

func TestInMemoryStoreRejectsEmptyID(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.SaveSession(models.Session{}); err == nil {
		t.Fatal("session without ID should be rejected")
	}
}

func TestInMemoryStoreGetAbsent(t *testing.T) {
	s := NewInMemoryStore()
	session, err := s.GetSession("missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session != nil {
		t.Error("absent session should be nil, not an error")
	}
}

func TestInMemoryStoreDelete(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.SaveSession(*models.NewSession("s1")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if session, _ := s.GetSession("s1"); session != nil {
		t.Error("deleted session still present")
	}
	// Deleting an absent session is not an error.
	if err := s.DeleteSession("s1"); err != nil {
		t.Errorf("deleting absent session failed: %v", err)
	}
}

func TestInMemoryStoreListSessionIDs(t *testing.T) {
	s := NewInMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveSession(*models.NewSession(id)); err != nil {
			t.Fatalf("SaveSession(%s) failed: %v", id, err)
		}
	}
	ids, err := s.ListSessionIDs()
	if err != nil {
		t.Fatalf("ListSessionIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d IDs, want 3", len(ids))
	}
}

func TestSessionRowRoundTrip(t *testing.T) {
	session := models.NewSession("s1")
	session.Data[models.DataKeyServiceID] = "svc-consult"
	session.Data[models.DataKeyDate] = "2026-09-10"
	session.RetryCounts["create_booking"] = 1
	session.AppendMessage(models.RoleUser, "hello")
	session.AppendMessage(models.RoleAssistant, "hi there")
	session.AppendOperationPair("call-1", "lookup_booking APPT-1", "found")

	row, err := marshalSession(*session)
	if err != nil {
		t.Fatalf("marshalSession failed: %v", err)
	}

	restored := models.Session{ID: "s1"}
	if err := unmarshalSession(&restored, row); err != nil {
		t.Fatalf("unmarshalSession failed: %v", err)
	}

	if len(restored.History) != len(session.History) {
		t.Fatalf("history length = %d, want %d", len(restored.History), len(session.History))
	}
	for i := range session.History {
		got, want := restored.History[i], session.History[i]
		if got.Role != want.Role || got.Content != want.Content || got.CallID != want.CallID {
			t.Errorf("history[%d] = %+v, want %+v", i, got, want)
		}
	}
	if restored.Data[models.DataKeyDate] != "2026-09-10" {
		t.Errorf("data lost: %v", restored.Data)
	}
	if restored.RetryCounts["create_booking"] != 1 {
		t.Errorf("retry counts lost: %v", restored.RetryCounts)
	}
}

func TestUnmarshalSessionDefaultsNilMaps(t *testing.T) {
	// Rows written before any data or retries exist hold JSON null.
	var session models.Session
	row := sessionRow{historyJSON: "null", dataJSON: "null", retryCountsJSON: "null"}
	if err := unmarshalSession(&session, row); err != nil {
		t.Fatalf("unmarshalSession failed: %v", err)
	}
	if session.Data == nil {
		t.Error("Data must default to an empty map")
	}
	if session.RetryCounts == nil {
		t.Error("RetryCounts must default to an empty map")
	}
}
