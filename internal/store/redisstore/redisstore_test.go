package redisstore

import "testing"

func TestFlattenWritesLeafKeysOnly(t *testing.T) {
	doc := map[string]any{
		"id":    "r1",
		"phase": "waiting",
		"players": map[string]any{
			"p1": map[string]any{"name": "Alice", "online": true},
		},
		"votes": map[string]any{},
	}
	out := make(map[string][]byte)
	if err := flatten("rooms/r1", doc, out); err != nil {
		t.Fatalf("flatten: %v", err)
	}

	want := map[string]string{
		"rooms/r1/id":                `"r1"`,
		"rooms/r1/phase":             `"waiting"`,
		"rooms/r1/players/p1/name":   `"Alice"`,
		"rooms/r1/players/p1/online": `true`,
	}
	if len(out) != len(want) {
		t.Fatalf("flattened %d keys, want %d", len(out), len(want))
	}
	for path, payload := range want {
		if string(out[path]) != payload {
			t.Errorf("%s = %s, want %s", path, out[path], payload)
		}
	}

	// No parent blobs: a blob at a map path would shadow later writes to
	// individual children and keep Get serving creation-time state.
	for _, parent := range []string{"rooms/r1", "rooms/r1/players", "rooms/r1/players/p1", "rooms/r1/votes"} {
		if _, ok := out[parent]; ok {
			t.Errorf("parent path %s got its own key", parent)
		}
	}
}

func TestFlattenScalar(t *testing.T) {
	out := make(map[string][]byte)
	if err := flatten("rooms/r1/phase", "voting", out); err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(out) != 1 || string(out["rooms/r1/phase"]) != `"voting"` {
		t.Errorf("out = %v", out)
	}
}
