package eventlog

import "testing"

// Gift dedup gate tests
//
// One gift purchase is reported twice: once as a subgift and once as a
// submysterygift. The gate suppresses the second report when it lands within
// 15 seconds (inclusive) of the first for the same username, in either
// direction. All other event types bypass the gate entirely.

func appendGift(t *testing.T, l *Log, typ, username string, ts int64) {
	t.Helper()
	if _, err := l.Append(Record{Timestamp: ts, Username: username, Type: typ, Quantity: 1}); err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
}

func TestGateSuppressesComplementaryGiftWithinWindow(t *testing.T) {
	tests := []struct {
		name      string
		logged    string
		incoming  string
		delta     int64
		wantAllow bool
	}{
		{"mystery 10s after subgift", "subgift", "submysterygift", 10, false},
		{"subgift 10s after mystery", "submysterygift", "subgift", 10, false},
		{"boundary 15s is inclusive", "subgift", "submysterygift", 15, false},
		{"16s is outside the window", "subgift", "submysterygift", 16, true},
		{"20s is outside the window", "subgift", "submysterygift", 20, true},
		{"incoming older than logged", "subgift", "submysterygift", -10, false},
		{"same type never pairs", "subgift", "subgift", 5, true},
		{"mystery after mystery never pairs", "submysterygift", "submysterygift", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := openTemp(t)
			base := int64(1700000000)
			appendGift(t, l, tt.logged, "ann", base)

			allowed, err := NewGate(l).Allow(tt.incoming, "ann", base+tt.delta)
			if err != nil {
				t.Fatalf("allow: %v", err)
			}
			if allowed != tt.wantAllow {
				t.Errorf("Allow = %v, want %v", allowed, tt.wantAllow)
			}
		})
	}
}

func TestGateIgnoresOtherUsernames(t *testing.T) {
	l, _ := openTemp(t)
	appendGift(t, l, "subgift", "ann", 1700000000)

	allowed, err := NewGate(l).Allow("submysterygift", "bob", 1700000005)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Error("gift from a different user was suppressed")
	}
}

func TestGatePassesNonGiftTypes(t *testing.T) {
	l, _ := openTemp(t)
	appendGift(t, l, "subgift", "ann", 1700000000)

	for _, typ := range []string{"sub", "resub", "bits", "manual_event", "giftpaidupgrade"} {
		allowed, err := NewGate(l).Allow(typ, "ann", 1700000001)
		if err != nil {
			t.Fatalf("allow %s: %v", typ, err)
		}
		if !allowed {
			t.Errorf("type %s was gated; only the gift pair is subject to dedup", typ)
		}
	}
}

func TestGateScansWholeLogNotJustTail(t *testing.T) {
	l, _ := openTemp(t)
	base := int64(1700000000)
	// The paired record sits at the head with unrelated traffic after it.
	appendGift(t, l, "subgift", "ann", base)
	for i := int64(1); i <= 20; i++ {
		appendGift(t, l, "subgift", "other", base+i)
	}

	allowed, err := NewGate(l).Allow("submysterygift", "ann", base+10)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Error("paired record at the head of the log was not found")
	}
}
