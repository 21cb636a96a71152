package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestGetReturnsLastValue(t *testing.T) {
	h := New("event", "created", "trace", "a", "event", "updated")

	v, ok := h.Get("event")
	if !ok || v != "updated" {
		t.Fatalf("expected last value for repeated key, got %q (%v)", v, ok)
	}
	if _, ok := h.Get("missing"); ok {
		t.Fatal("expected missing key to report false")
	}
	if got := h.Values("event"); len(got) != 2 || got[0] != "created" {
		t.Fatalf("unexpected values: %v", got)
	}
	if h.Value("trace") != "a" {
		t.Fatalf("unexpected value for trace: %q", h.Value("trace"))
	}
}

func TestCloneAndWithDoNotAlias(t *testing.T) {
	original := New("a", "1")
	clone := original.Clone()
	clone[0].Value = "changed"
	if original[0].Value != "1" {
		t.Fatalf("expected original to stay untouched, got %q", original[0].Value)
	}

	extended := original.With("b", "2")
	if len(original) != 1 || len(extended) != 2 {
		t.Fatalf("unexpected lengths %d/%d", len(original), len(extended))
	}

	var empty Headers
	if empty.Clone() != nil {
		t.Fatal("expected nil clone of nil headers")
	}
}

func TestFromMapIsSorted(t *testing.T) {
	h := FromMap(map[string]string{"b": "2", "a": "1", "c": "3"})
	if h.String() != "[a=1 b=2 c=3]" {
		t.Fatalf("unexpected order: %s", h)
	}
	if FromMap(nil) != nil {
		t.Fatal("expected nil headers for empty map")
	}
}

func TestWatermillConversions(t *testing.T) {
	h := FromWatermill(message.Metadata{"correlation_id": "abc"})
	if h.Value("correlation_id") != "abc" {
		t.Fatalf("unexpected headers: %v", h)
	}

	md := ToWatermill(New("k", "old", "k", "new"))
	if md.Get("k") != "new" {
		t.Fatalf("expected later value to win, got %q", md.Get("k"))
	}
	if ToWatermill(nil) == nil {
		t.Fatal("expected non-nil metadata")
	}
}
