package room

import "testing"

func TestBroadcastZeroWhenUnset(t *testing.T) {
	r := &Room{}
	if rec := r.Broadcast(BroadcastReveal); rec.Version != 0 {
		t.Errorf("version = %d, want 0", rec.Version)
	}

	r.Broadcasts = map[BroadcastType]*BroadcastRecord{
		BroadcastReveal: {Version: 3},
	}
	if rec := r.Broadcast(BroadcastReveal); rec.Version != 3 {
		t.Errorf("version = %d, want 3", rec.Version)
	}
	if rec := r.Broadcast(BroadcastReset); rec.Version != 0 {
		t.Errorf("unset type version = %d, want 0", rec.Version)
	}
}

func TestActivePlayers(t *testing.T) {
	r := &Room{
		Players: map[string]*Player{
			"a": {Online: true},
			"b": {Online: false},
			"c": {Online: true},
		},
	}
	if n := r.ActivePlayers(); n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
}

func TestRoleIsLeader(t *testing.T) {
	for role, want := range map[Role]bool{
		RoleScrumMaster: true,
		RolePO:          true,
		RoleDev:         false,
		RoleQA:          false,
		RoleOther:       false,
	} {
		if got := role.IsLeader(); got != want {
			t.Errorf("%s.IsLeader() = %v, want %v", role, got, want)
		}
	}
}

func TestPathLayout(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{Path("r1"), "rooms/r1"},
		{PlayerPath("r1", "p1"), "rooms/r1/players/p1"},
		{PlayerField("r1", "p1", "online"), "rooms/r1/players/p1/online"},
		{VotePath("r1", "p1"), "rooms/r1/votes/p1"},
		{Field("r1", "phase"), "rooms/r1/phase"},
		{BroadcastPath("r1", BroadcastReveal), "rooms/r1/broadcasts/reveal"},
		{HistoryPath("r1", "e1"), "rooms/r1/history/e1"},
		{StatField("r1", "rounds"), "rooms/r1/statistics/rounds"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
