package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKey_Deterministic(t *testing.T) {
	params := map[string]any{"operation": "upper", "width": float64(640)}
	if Key("abc", params) != Key("abc", params) {
		t.Error("same inputs produced different keys")
	}
}

func TestKey_ParameterOrderIndependent(t *testing.T) {
	// encoding/json decodes both to the same map, but build them in
	// different insertion orders anyway.
	a := map[string]any{}
	a["x"] = "1"
	a["y"] = "2"
	b := map[string]any{}
	b["y"] = "2"
	b["x"] = "1"
	if Key("id", a) != Key("id", b) {
		t.Error("insertion order changed the key")
	}
}

func TestKey_NumberNormalization(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]any
	}{
		{"int vs float", map[string]any{"n": int(2)}, map[string]any{"n": float64(2)}},
		{"float vs json.Number", map[string]any{"n": float64(2)}, map[string]any{"n": json.Number("2")}},
		{"trailing zero", map[string]any{"n": json.Number("2.0")}, map[string]any{"n": float64(2)}},
		{"nested", map[string]any{"opts": map[string]any{"q": int64(85)}}, map[string]any{"opts": map[string]any{"q": float64(85)}}},
		{"in array", map[string]any{"dims": []any{int(640), int(480)}}, map[string]any{"dims": []any{float64(640), float64(480)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Key("id", tt.a) != Key("id", tt.b) {
				t.Errorf("numerically equal params produced different keys")
			}
		})
	}
}

func TestKey_Distinguishes(t *testing.T) {
	base := map[string]any{"operation": "upper"}
	if Key("a", base) == Key("b", base) {
		t.Error("different identities produced the same key")
	}
	if Key("a", base) == Key("a", map[string]any{"operation": "lower"}) {
		t.Error("different params produced the same key")
	}
	if Key("a", nil) == Key("a", base) {
		t.Error("nil params collided with non-nil params")
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	key := Key("doc", map[string]any{"operation": "upper"})
	entry := &Entry{
		Result:    map[string]any{"text": "HI"},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.Store(ctx, key, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := m.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.Result["text"] != "HI" {
		t.Errorf("Lookup = %+v, want stored entry", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	m := NewMemory()

	got, err := m.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup = %+v on empty cache, want nil", got)
	}
}

func TestMemory_StoreNil(t *testing.T) {
	m := NewMemory()
	if err := m.Store(context.Background(), "k", nil); err == nil {
		t.Error("Store(nil) succeeded, want error")
	}
}

func TestMemory_MissingFileEvicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	dir := t.TempDir()
	f := filepath.Join(dir, "output.jpg")
	if err := os.WriteFile(f, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entry := &Entry{
		Result:    map[string]any{"file": f},
		Files:     []string{f},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.Store(ctx, "k", entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := m.Lookup(ctx, "k")
	if err != nil || got == nil {
		t.Fatalf("Lookup with file intact = %v, %v", got, err)
	}

	if err := os.Remove(f); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err = m.Lookup(ctx, "k")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Error("Lookup returned a hit whose dependent file is gone")
	}
	if len(m.Keys()) != 0 {
		t.Error("stale entry not evicted")
	}
}
