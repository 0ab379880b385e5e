package domain

import "testing"

func TestDirectScopeIsCanonical(t *testing.T) {
	ab := DirectScope("alice", "bob")
	ba := DirectScope("bob", "alice")
	if ab.Key() != ba.Key() {
		t.Fatalf("direct scope keys differ: %q vs %q", ab.Key(), ba.Key())
	}
	if ab.Key() != "dm:alice|bob" {
		t.Fatalf("unexpected canonical key: %q", ab.Key())
	}
}

func TestScopeKeyRoundTrip(t *testing.T) {
	for _, scope := range []Scope{
		GlobalScope(),
		RoomScope("room-1"),
		DirectScope("carol", "bob"),
	} {
		parsed, err := ParseScopeKey(scope.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", scope.Key(), err)
		}
		if parsed != scope {
			t.Fatalf("round trip mismatch: %+v vs %+v", parsed, scope)
		}
	}
}

func TestParseScopeKeyRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "room:", "dm:", "dm:alice", "dm:|bob", "channel:x"} {
		if _, err := ParseScopeKey(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestDirectScopeIncludesOnlyParticipants(t *testing.T) {
	scope := DirectScope("alice", "bob")
	if !scope.Includes("alice") || !scope.Includes("bob") {
		t.Fatalf("participants should be included")
	}
	if scope.Includes("mallory") {
		t.Fatalf("outsider should not be included")
	}
	if !GlobalScope().Includes("anyone") {
		t.Fatalf("global scope includes everyone")
	}
}
