// Package progress carries pipeline progress and log lines from the
// orchestrator to whoever is watching (CLI, HTTP API).
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/logger"
)

// Status of a pipeline step.
type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Level of a log line sent to observers.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Progress is one progress report.
type Progress struct {
	Percentage  int       `json:"percentage"`
	Step        string    `json:"step"`
	Status      Status    `json:"status"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Entry is one log line.
type Entry struct {
	At      time.Time `json:"at"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Observer receives progress and log events. Implementations must not block.
type Observer interface {
	OnProgress(p Progress)
	OnLog(message string, level Level)
}

// Funcs adapts plain functions to Observer. Nil fields are skipped.
type Funcs struct {
	Progress func(Progress)
	Log      func(string, Level)
}

func (f Funcs) OnProgress(p Progress) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

func (f Funcs) OnLog(msg string, l Level) {
	if f.Log != nil {
		f.Log(msg, l)
	}
}

// DefaultHistory is the number of log entries a Broadcaster keeps.
const DefaultHistory = 500

// Broadcaster fans events out to subscribers, remembers the latest progress
// and keeps a bounded ring of recent log entries.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]Observer
	nextID int
	last   Progress
	ring   []Entry
	head   int
	full   bool
}

// NewBroadcaster keeps up to size log entries (0 means DefaultHistory).
func NewBroadcaster(size int) *Broadcaster {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Broadcaster{subs: make(map[int]Observer), ring: make([]Entry, size)}
}

// Subscribe registers o and returns a function that removes it.
func (b *Broadcaster) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = o
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) observers() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, 0, len(b.subs))
	for _, o := range b.subs {
		out = append(out, o)
	}
	return out
}

func (b *Broadcaster) OnProgress(p Progress) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	b.mu.Lock()
	b.last = p
	b.mu.Unlock()
	for _, o := range b.observers() {
		o.OnProgress(p)
	}
}

func (b *Broadcaster) OnLog(msg string, l Level) {
	e := Entry{At: time.Now(), Level: l, Message: msg}
	b.mu.Lock()
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.head == 0 {
		b.full = true
	}
	b.mu.Unlock()
	for _, o := range b.observers() {
		o.OnLog(msg, l)
	}
}

// Last returns the most recent progress report.
func (b *Broadcaster) Last() Progress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// Recent returns up to n log entries, oldest first (n <= 0 means all kept).
func (b *Broadcaster) Recent(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var all []Entry
	if b.full {
		all = append(all, b.ring[b.head:]...)
	}
	all = append(all, b.ring[:b.head]...)
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// LogObserver writes progress reports to a slog.Logger. Log lines are
// ignored; their producers log them already.
type LogObserver struct{ Logger *slog.Logger }

func (l LogObserver) OnProgress(p Progress) {
	l.Logger.Info("progress", "step", p.Step, "status", p.Status, "percent", p.Percentage, "title", p.Title)
}

func (l LogObserver) OnLog(string, Level) {}

// SlogLevel maps an observer level to a slog level.
func SlogLevel(l Level) slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelSuccess:
		return logger.LevelSuccess
	}
	return slog.LevelInfo
}
