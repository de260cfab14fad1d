package diagnostics

import (
	"sync"
	"time"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

// Codes published by the engine and its front ends.
const (
	CodeWriteFailed   = "SINK.WRITE_FAILED"
	CodeHWFallback    = "HW.FALLBACK"
	CodeBatchSkipped  = "BATCH.SKIPPED"
	CodeTestRunning   = "TEST.RUNNING"
	CodeTestDone      = "TEST.DONE"
	CodeTestUnknown   = "TEST.UNKNOWN"
	CodeProgramStart  = "PROGRAM.START"
	CodeProgramFailed = "PROGRAM.FAILED"
	CodeControlFailed = "CONTROL.FAILED"
)

type Diagnostic struct {
	Time           time.Time      `json:"time"`
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// Feed fans diagnostics out to subscribers and keeps the most recent ones.
// Publish never blocks: a subscriber that falls behind misses events.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan Diagnostic]struct{}
	recent []Diagnostic
	keep   int
}

// NewFeed keeps the last keep diagnostics for late subscribers.
func NewFeed(keep int) *Feed {
	return &Feed{subs: map[chan Diagnostic]struct{}{}, keep: keep}
}

func (f *Feed) Publish(d Diagnostic) {
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keep > 0 {
		f.recent = append(f.recent, d)
		if len(f.recent) > f.keep {
			f.recent = f.recent[len(f.recent)-f.keep:]
		}
	}
	for ch := range f.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

// Subscribe returns a channel of new diagnostics and a cancel func that
// closes it.
func (f *Feed) Subscribe(buf int) (<-chan Diagnostic, func()) {
	_, ch, cancel := f.subscribe(buf, false)
	return ch, cancel
}

// SubscribeWithRecent is Subscribe plus the retained diagnostics at the
// moment of subscribing. Every event is either in the snapshot or on the
// channel, never both.
func (f *Feed) SubscribeWithRecent(buf int) ([]Diagnostic, <-chan Diagnostic, func()) {
	return f.subscribe(buf, true)
}

func (f *Feed) subscribe(buf int, withRecent bool) ([]Diagnostic, <-chan Diagnostic, func()) {
	ch := make(chan Diagnostic, buf)
	var recent []Diagnostic
	f.mu.Lock()
	if withRecent {
		recent = append(recent, f.recent...)
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	var once sync.Once
	return recent, ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns a copy of the retained diagnostics, oldest first.
func (f *Feed) Recent() []Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Diagnostic(nil), f.recent...)
}
