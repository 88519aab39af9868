package obslog

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

type event struct {
	ts   time.Time
	line string
}

// RecentEventsOptions configures a RecentEvents ring.
type RecentEventsOptions struct {
	Expiry   time.Duration // entries older than this are dropped; 0 means never expire
	MaxCount int           // caps the number of retained entries; 0 means unlimited
}

// RecentEvents keeps a bounded, timestamped trail of pairing activity
// (getservercert arrivals and the outcome of the final pairing phase) so an
// operator can inspect what recently happened without grepping the main
// log. It is not a substitute for the structured logger, and events added
// here are not also written to Logger; it is a secondary, in-memory window
// meant for tests and ad-hoc diagnostics.
type RecentEvents struct {
	Options RecentEventsOptions
	entries *list.List
	mu      sync.Mutex
}

// NewRecentEvents creates a ring with the given options. The zero value of
// RecentEventsOptions never expires and keeps an unlimited number of
// entries.
func NewRecentEvents(opts RecentEventsOptions) *RecentEvents {
	return &RecentEvents{
		Options: opts,
		entries: list.New(),
	}
}

func (l *RecentEvents) expireLocked(now time.Time) {
	if l.Options.Expiry == 0 {
		return
	}
	cutoff := now.Add(-l.Options.Expiry)
	for e := l.entries.Front(); e != nil; {
		ev := e.Value.(event)
		if !ev.ts.Before(cutoff) {
			break
		}
		next := e.Next()
		l.entries.Remove(e)
		e = next
	}
}

// Record appends a formatted event, stamped with the current time.
func (l *RecentEvents) Record(format string, a ...interface{}) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.expireLocked(now)

	if l.Options.MaxCount > 0 && l.entries.Len() == l.Options.MaxCount {
		l.entries.Remove(l.entries.Front())
	}
	l.entries.PushBack(event{ts: now, line: fmt.Sprintf(format, a...)})
}

// Dump concatenates the retained events, oldest first, one per line.
func (l *RecentEvents) Dump() string {
	var b strings.Builder

	l.mu.Lock()
	defer l.mu.Unlock()

	for e := l.entries.Front(); e != nil; e = e.Next() {
		ev := e.Value.(event)
		b.WriteString(ev.ts.UTC().Format(time.RFC3339))
		b.WriteString(" ")
		b.WriteString(ev.line)
		b.WriteString("\n")
	}
	return b.String()
}

// Len reports how many events are currently retained.
func (l *RecentEvents) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
