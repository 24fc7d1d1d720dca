package apikey

import (
	"testing"

	"github.com/qwen-relay/gateway/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	return NewStore(dir)
}

func TestCreateThenValidateSucceeds(t *testing.T) {
	s := newTestStore(t)
	raw, meta, err := s.Create("ci key", "", []string{PermChatCompletions}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := s.Validate(raw)
	if !ok {
		t.Fatal("expected the freshly created key to validate")
	}
	if got.ID != meta.ID {
		t.Fatalf("validated key id %q does not match created id %q", got.ID, meta.ID)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("ci key", "", []string{PermChatCompletions}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := s.Validate(keyPrefix + "0000000000000000000000000000000000000000000000"); ok {
		t.Fatal("expected validation to fail for an unrelated key")
	}
}

func TestValidateRejectsDisabledKey(t *testing.T) {
	s := newTestStore(t)
	raw, meta, err := s.Create("ci key", "", []string{PermChatCompletions}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Update(meta.ID, func(k *ApiKey) { k.Status = StatusDisabled }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := s.Validate(raw); ok {
		t.Fatal("expected a disabled key to fail validation")
	}
}

func TestListNeverExposesSaltOrHash(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Create("ci key", "", []string{PermChatCompletions}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, k := range s.List() {
		if k.salt != nil || k.hash != nil {
			t.Fatal("List exposed raw key material")
		}
	}
}

func TestRecordUsageIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	_, meta, err := s.Create("ci key", "", []string{PermChatCompletions}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.RecordUsage(meta.ID)
	s.RecordUsage(meta.ID)
	found := false
	for _, k := range s.List() {
		if k.ID == meta.ID {
			found = true
			if k.UsageCount != 2 {
				t.Fatalf("expected usage count 2, got %d", k.UsageCount)
			}
			if k.LastUsedAt == nil {
				t.Fatal("expected LastUsedAt to be set")
			}
		}
	}
	if !found {
		t.Fatal("created key missing from List")
	}
}

func TestLoadRehydratesFromDisk(t *testing.T) {
	dir, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	first := NewStore(dir)
	raw, meta, err := first.Create("ci key", "", []string{PermModelsList}, &RateLimit{Max: 5, Window: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := NewStore(dir)
	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := second.Validate(raw)
	if !ok {
		t.Fatal("expected key created by a prior store instance to validate after Load")
	}
	if got.ID != meta.ID {
		t.Fatalf("loaded key id %q does not match %q", got.ID, meta.ID)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	raw, meta, err := s.Create("ci key", "", []string{PermChatCompletions}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Validate(raw); ok {
		t.Fatal("expected deleted key to fail validation")
	}
	if err := s.Delete(meta.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}
