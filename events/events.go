// Package events records lifecycle events of versions, names and indexes.
package events

import (
	"sync"
	"time"

	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
	"github.com/prometheus/client_golang/prometheus"
)

var CounterEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_events",
		Name:      "emitted_total",
		Help:      "Events by kind.",
	},
	[]string{
		"kind",
	},
)

func init() {
	prometheus.MustRegister(CounterEvents)
}

type Kind string

const (
	ProvisionRequested Kind = "provision_requested"
	VersionReady       Kind = "version_ready"
	VersionFailed      Kind = "version_failed"
	NameMoved          Kind = "name_moved"
	NameRemoved        Kind = "name_removed"
	IndexBuilt         Kind = "index_built"
	IndexFailed        Kind = "index_failed"
	IndexStale         Kind = "index_stale"
	PatchesPruned      Kind = "patches_pruned"
)

// Event is one recorded occurrence.
type Event struct {
	Time    time.Time
	Kind    Kind
	Version models.VersionKey
	// Subject names what the event is about beyond the version: a name, an
	// index key or a schema source.
	Subject  string
	Detail   string
	Duration time.Duration
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
	Close() error
}

// New stamps an event with the current time.
func New(kind Kind, version models.VersionKey, subject, detail string) Event {
	return Event{Time: time.Now().UTC(), Kind: kind, Version: version, Subject: subject, Detail: detail}
}

// LogSink writes events to a logger.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log.With("component", "events")}
}

func (s *LogSink) Emit(e Event) {
	CounterEvents.WithLabelValues(string(e.Kind)).Inc()
	kv := []interface{}{"kind", string(e.Kind)}
	if e.Version != "" {
		kv = append(kv, "version", string(e.Version))
	}
	if e.Subject != "" {
		kv = append(kv, "subject", e.Subject)
	}
	if e.Detail != "" {
		kv = append(kv, "detail", e.Detail)
	}
	if e.Duration > 0 {
		kv = append(kv, "duration", e.Duration)
	}
	s.log.Info("event", kv...)
}

func (s *LogSink) Close() error { return nil }

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Emit(e Event) {
	for _, s := range t {
		s.Emit(e)
	}
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded, optionally only of the
// given kinds.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if len(kinds) == 0 {
			out = append(out, e)
			continue
		}
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
