package chat

import (
	"strconv"
	"strings"
)

// EventType identifies the kind of monetized event extracted from a line.
type EventType string

const (
	EventManual          EventType = "manual_event"
	EventBits            EventType = "bits"
	EventSub             EventType = "sub"
	EventResub           EventType = "resub"
	EventSubGift         EventType = "subgift"
	EventMysteryGift     EventType = "submysterygift"
	EventGiftUpgrade     EventType = "giftpaidupgrade"
	EventAnonGiftUpgrade EventType = "anongiftpaidupgrade"
	EventRewardGift      EventType = "rewardgift"
	// EventAnnouncement is parsed but never forwarded downstream.
	EventAnnouncement EventType = "announcement"
)

// SubTier is the subscription plan resolved from the msg-param-sub-plan tag.
// The zero value means the plan was absent or unrecognized.
type SubTier string

const (
	TierNone  SubTier = ""
	TierPrime SubTier = "Prime"
	Tier1     SubTier = "Tier1"
	Tier2     SubTier = "Tier2"
	Tier3     SubTier = "Tier3"
)

// Event is the transient result of parsing a single protocol line. It lives
// only until the listener either drops it or turns it into a log record.
type Event struct {
	Timestamp int64  // epoch seconds, truncated from the ms protocol timestamp
	Username  string // display name the event is attributed to
	UserID    string // raw user-id tag value; may be empty or non-numeric
	Type      EventType
	Tier      SubTier // sub/resub only
	Months    int     // cumulative months, sub/resub only; 0 = unset
	Quantity  int     // bits count, gift count, or 1 for a single gift
}

// tags splits the semicolon-delimited key=value prefix of a tagged IRC line.
// Everything after the first space is ignored; malformed pairs are skipped.
func tags(line string) map[string]string {
	prefix, _, _ := strings.Cut(strings.TrimPrefix(line, "@"), " ")
	m := make(map[string]string)
	for _, kv := range strings.Split(prefix, ";") {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// tagTimestamp converts the tmi-sent-ts millisecond tag to epoch seconds.
func tagTimestamp(t map[string]string) int64 {
	ms, err := strconv.ParseInt(t["tmi-sent-ts"], 10, 64)
	if err != nil {
		return 0
	}
	return ms / 1000
}

// ParseManualEvent extracts a moderator-issued manual event from a PRIVMSG
// line. The message body must be "<trigger> <username> [numeric-id]" and the
// poster must be a moderator or the channel owner (the owner is always
// authorized regardless of the mod tag). Anything else yields ok=false.
func ParseManualEvent(line, channel, trigger string) (Event, bool) {
	t := tags(line)
	ts := tagTimestamp(t)
	poster := t["display-name"]
	isMod := t["mod"] == "1" || strings.EqualFold(poster, channel)
	if ts == 0 || poster == "" || !isMod {
		return Event{}, false
	}

	_, after, ok := strings.Cut(line, "PRIVMSG #")
	if !ok {
		return Event{}, false
	}
	_, body, ok := strings.Cut(after, " :")
	if !ok {
		return Event{}, false
	}
	fields := strings.Fields(body)
	if len(fields) < 2 || fields[0] != trigger {
		return Event{}, false
	}

	ev := Event{
		Timestamp: ts,
		Username:  fields[1],
		Type:      EventManual,
	}
	// Optional numeric id of the target user; a non-numeric token is ignored.
	if len(fields) >= 3 {
		if _, err := strconv.Atoi(fields[2]); err == nil {
			ev.UserID = fields[2]
		}
	}
	return ev, true
}

// ParseBits extracts a bit cheer from a PRIVMSG line carrying a bits tag.
// A non-numeric bit count parses as quantity 0; the minimum-bits acceptance
// threshold is the caller's policy, not the parser's.
func ParseBits(line string) (Event, bool) {
	t := tags(line)
	ts := tagTimestamp(t)
	username := t["display-name"]
	if ts == 0 || username == "" {
		return Event{}, false
	}
	bits, err := strconv.Atoi(t["bits"])
	if err != nil {
		bits = 0
	}
	return Event{
		Timestamp: ts,
		Username:  username,
		UserID:    t["user-id"],
		Type:      EventBits,
		Quantity:  bits,
	}, true
}

// ParseUserNotice extracts a subscription-family event from a USERNOTICE
// line: subtype, user id, display name, timestamp, and per-subtype extras
// (gift count for mass gifts, months and plan tier for sub/resub, fixed
// quantity 1 for a single gift). Incomplete lines and subtypes outside the
// recognized set (raid, ritual and the like) yield ok=false; the
// announcement subtype is returned as-is and filtered by the caller.
func ParseUserNotice(line string) (Event, bool) {
	t := tags(line)
	ts := tagTimestamp(t)
	username := t["display-name"]
	subtype := t["msg-id"]
	if ts == 0 || username == "" || !recognizedSubtype(subtype) {
		return Event{}, false
	}

	ev := Event{
		Timestamp: ts,
		Username:  username,
		UserID:    t["user-id"],
		Type:      EventType(subtype),
	}
	switch ev.Type {
	case EventSubGift:
		ev.Quantity = 1
	case EventMysteryGift:
		if n, err := strconv.Atoi(t["msg-param-mass-gift-count"]); err == nil {
			ev.Quantity = n
		}
	case EventSub, EventResub:
		if n, err := strconv.Atoi(t["msg-param-cumulative-months"]); err == nil {
			ev.Months = n
		}
		ev.Tier = tierFromPlan(t["msg-param-sub-plan"])
	}
	return ev, true
}

// recognizedSubtype reports whether a msg-id names an event type this engine
// tracks. Everything else (raids, rituals, bits badge tiers) is not an event.
func recognizedSubtype(subtype string) bool {
	switch EventType(subtype) {
	case EventSub, EventResub, EventSubGift, EventMysteryGift,
		EventGiftUpgrade, EventAnonGiftUpgrade, EventRewardGift, EventAnnouncement:
		return true
	}
	return false
}

// tierFromPlan maps the raw sub-plan tag to a tier by substring match.
func tierFromPlan(plan string) SubTier {
	switch {
	case strings.Contains(plan, "Prime"):
		return TierPrime
	case strings.Contains(plan, "1000"):
		return Tier1
	case strings.Contains(plan, "2000"):
		return Tier2
	case strings.Contains(plan, "3000"):
		return Tier3
	}
	return TierNone
}
