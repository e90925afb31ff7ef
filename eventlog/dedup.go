package eventlog

// A single gift purchase is reported through two notification subtypes, so
// the second report within the pairing window must be suppressed to avoid
// double-counting.
const (
	giftSingle  = "subgift"
	giftMystery = "submysterygift"

	// giftPairWindow is the maximum wall-clock distance, in seconds and
	// inclusive at the boundary, between the two reports of one purchase.
	giftPairWindow = 15
)

// Gate decides whether a gift event duplicates a recent complementary one
// already in the log. Event types outside the gift pair always pass.
type Gate struct {
	log *Log
}

// NewGate returns a gate backed by the given log.
func NewGate(l *Log) *Gate {
	return &Gate{log: l}
}

// Allow reports whether an event of eventType for username at ts (epoch
// seconds) should be accepted. It scans the log from the head and suppresses
// on the first record with the same username, the complementary gift
// subtype, and a timestamp within the pairing window. The scan is O(n) over
// the whole log; event volume is low enough that correctness wins over an
// index here.
func (g *Gate) Allow(eventType, username string, ts int64) (bool, error) {
	var complement string
	switch eventType {
	case giftSingle:
		complement = giftMystery
	case giftMystery:
		complement = giftSingle
	default:
		return true, nil
	}

	allowed := true
	err := g.log.Scan(func(rec Record) bool {
		if rec.Username != username || rec.Type != complement {
			return true
		}
		d := ts - rec.Timestamp
		if d < 0 {
			d = -d
		}
		if d <= giftPairWindow {
			allowed = false
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}
