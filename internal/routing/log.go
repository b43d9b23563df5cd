package routing

import (
	"errors"
	"sort"
	"sync"
)

var ErrEntryNotFound = errors.New("log entry not found")

// LogEntry is one message recorded by the topic leader. SequenceIDs are
// assigned per topic starting at 0 with no gaps.
type LogEntry struct {
	SequenceID uint64
	Content    string
	Ready      bool
}

type topicLog struct {
	// base is the SequenceID of entries[0]; it advances only on trim
	base    uint64
	entries []LogEntry
}

func (l *topicLog) next() uint64 {
	return l.base + uint64(len(l.entries))
}

// Logs is the per-topic append-only message log kept by leaders
type Logs struct {
	mu     sync.Mutex
	topics map[string]*topicLog
}

func NewLogs() *Logs {
	return &Logs{topics: make(map[string]*topicLog)}
}

// Append records content under topic with the next sequence id. New entries
// are never ready.
func (l *Logs) Append(topic, content string) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.topics[topic]
	if !ok {
		tl = &topicLog{}
		l.topics[topic] = tl
	}
	entry := LogEntry{SequenceID: tl.next(), Content: content}
	tl.entries = append(tl.entries, entry)
	return entry
}

// MarkReady flips an entry's ready flag. It is the only transition ready ever takes.
func (l *Logs) MarkReady(topic string, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.topics[topic]
	if !ok || seq < tl.base || seq >= tl.next() {
		return ErrEntryNotFound
	}
	tl.entries[seq-tl.base].Ready = true
	return nil
}

func (l *Logs) Entry(topic string, seq uint64) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.topics[topic]
	if !ok || seq < tl.base || seq >= tl.next() {
		return LogEntry{}, false
	}
	return tl.entries[seq-tl.base], true
}

// Entries returns a copy of topic's retained entries in sequence order
func (l *Logs) Entries(topic string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.topics[topic]
	if !ok {
		return nil
	}
	out := make([]LogEntry, len(tl.entries))
	copy(out, tl.entries)
	return out
}

// Next returns the sequence id the next Append on topic will receive
func (l *Logs) Next(topic string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tl, ok := l.topics[topic]; ok {
		return tl.next()
	}
	return 0
}

func (l *Logs) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tl, ok := l.topics[topic]; ok {
		return len(tl.entries)
	}
	return 0
}

// TotalEntries returns the number of retained entries across all topics
func (l *Logs) TotalEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, tl := range l.topics {
		total += len(tl.entries)
	}
	return total
}

func (l *Logs) Topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	topics := make([]string, 0, len(l.topics))
	for topic := range l.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// TrimBefore discards entries of topic whose SequenceID is below seq and
// returns how many were dropped. Sequence numbering is unaffected.
func (l *Logs) TrimBefore(topic string, seq uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.topics[topic]
	if !ok || seq <= tl.base {
		return 0
	}
	if seq > tl.next() {
		seq = tl.next()
	}
	n := int(seq - tl.base)
	tl.entries = append([]LogEntry(nil), tl.entries[n:]...)
	tl.base = seq
	return n
}
