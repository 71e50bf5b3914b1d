package source

import "testing"

func TestJoinSplitKey(t *testing.T) {
	key := JoinKey("@alice:example.com", "DEVICEID")
	parts := SplitKey(key, 2)
	if parts[0] != "@alice:example.com" || parts[1] != "DEVICEID" {
		t.Errorf("SplitKey(JoinKey(...)) = %v", parts)
	}
}

func TestSplitKeyPadsEmptyCheckpoint(t *testing.T) {
	parts := SplitKey("", 2)
	if len(parts) != 2 {
		t.Fatalf("SplitKey(\"\", 2) returned %d parts", len(parts))
	}
	if parts[0] != "" || parts[1] != "" {
		t.Errorf("expected empty parts, got %v", parts)
	}
}

func TestKeyOrdering(t *testing.T) {
	// The separator must compare below every character that can appear in a
	// key part, so composite keys sort the same as their column tuples.
	a := JoinKey("@a:x", "zzz")
	b := JoinKey("@a:x!", "aaa")
	if !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestRowKeys(t *testing.T) {
	if got := (UserRow{Name: "@a:x"}).Key(); got != "@a:x" {
		t.Errorf("UserRow.Key() = %q", got)
	}
	if got := (AccessTokenRow{ID: 42}).Key(); got != "42" {
		t.Errorf("AccessTokenRow.Key() = %q", got)
	}
	dev := DeviceRow{UserID: "@a:x", DeviceID: "D1"}
	if got := SplitKey(dev.Key(), 2); got[0] != "@a:x" || got[1] != "D1" {
		t.Errorf("DeviceRow key round-trip = %v", got)
	}
}

func TestParseIntKey(t *testing.T) {
	tests := []struct {
		key  string
		want int64
	}{
		{"", 0},
		{"42", 42},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseIntKey(tt.key); got != tt.want {
			t.Errorf("parseIntKey(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}
