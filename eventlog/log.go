// Package eventlog provides the durable append-only log of accepted events
// and the dedup gate that correlates paired gift notifications against it.
//
// The log is the system of record: every accepted event is appended here,
// durably, before any downstream publish is attempted, and the sequential id
// assigned at append time is the event's identity everywhere else. Records
// are never rewritten or deleted.
//
// On-disk format: one tab-separated record per newline-terminated line, no
// header. Field order: id, timestamp, username, user_id, event_type,
// sub_tier, sub_months, quantity. The downstream scoring service reads this
// file directly, so the format is a contract.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Record is one durable log entry. ID is assigned by Append; all other
// fields come from the parsed event. String fields may be empty and numeric
// fields zero when the source event did not carry them.
type Record struct {
	ID        int64
	Timestamp int64
	Username  string
	UserID    string
	Type      string
	Tier      string
	Months    int
	Quantity  int
}

// Log is a single-writer append-only event log. Appends are serialized
// internally, so listener units for several channels may share one Log
// within a process; sharing the file across processes is not supported.
type Log struct {
	path string

	mu     sync.Mutex
	f      *os.File
	lastID int64 // -1 when the log is empty
}

// Open opens (creating if needed) the log at path and recovers the last
// assigned id from the final persisted record, so numbering resumes across
// restarts instead of starting over.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	last, err := lastPersistedID(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Log{path: path, f: f, lastID: last}, nil
}

// lastPersistedID scans the file and returns the id of the final parseable
// record, or -1 for an empty log.
func lastPersistedID(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return -1, fmt.Errorf("open event log for recovery: %w", err)
	}
	defer f.Close()

	last := int64(-1)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if rec, ok := parseRecord(sc.Text()); ok {
			last = rec.ID
		}
	}
	if err := sc.Err(); err != nil {
		return -1, fmt.Errorf("recover last id: %w", err)
	}
	return last, nil
}

// Append assigns the next id (last persisted + 1; 0 for an empty log),
// durably writes the record, and returns it with the id filled in. The
// record's ID field on input is ignored.
func (l *Log) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.ID = l.lastID + 1
	line := fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
		rec.ID, rec.Timestamp, rec.Username, rec.UserID, rec.Type, rec.Tier, rec.Months, rec.Quantity)
	if _, err := l.f.WriteString(line); err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Record{}, fmt.Errorf("sync event log: %w", err)
	}
	l.lastID = rec.ID
	return rec, nil
}

// LastID returns the id of the most recently appended record, -1 when empty.
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Scan walks all records in insertion order, calling fn for each; fn returns
// false to stop early. Each call opens a fresh read handle, so scans are
// restartable and never disturb the append position. Unparseable lines are
// skipped.
func (l *Log) Scan(fn func(Record) bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open event log for scan: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		rec, ok := parseRecord(sc.Text())
		if !ok {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	return nil
}

// Close releases the append handle. Append must not be called afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func parseRecord(line string) (Record, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return Record{}, false
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, false
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Record{}, false
	}
	months, _ := strconv.Atoi(fields[6])
	quantity, _ := strconv.Atoi(fields[7])
	return Record{
		ID:        id,
		Timestamp: ts,
		Username:  fields[2],
		UserID:    fields[3],
		Type:      fields[4],
		Tier:      fields[5],
		Months:    months,
		Quantity:  quantity,
	}, true
}
