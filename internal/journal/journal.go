// Package journal is the structured event sink of the swarm. Events are
// appended to a JSONL file, fanned out to in-process subscribers, and
// optionally mirrored to a NATS subject for off-node consumers.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// subscriberBuffer bounds each subscriber channel; events beyond it are
// dropped rather than blocking an emitter.
const subscriberBuffer = 256

// Event is one journal record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Name      string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Journal appends events to a JSONL file and fans them out to subscribers.
// Emit never blocks and never fails the caller: sink errors are logged.
type Journal struct {
	mu   sync.Mutex
	file *os.File

	subsMu sync.RWMutex
	subs   map[int]chan Event
	nextID int

	nc      *nats.Conn
	subject string

	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithNATS mirrors every event to the given subject on an established
// connection. The journal does not own the connection.
func WithNATS(nc *nats.Conn, subject string) Option {
	return func(j *Journal) {
		j.nc = nc
		j.subject = subject
	}
}

// New opens (or creates) the JSONL sink at path. An empty path keeps the
// journal in-process only: fan-out still works, nothing is persisted.
func New(path string, logger *slog.Logger, opts ...Option) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "journal"),
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", path, err)
		}
		j.file = f
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Emit records one event. Fields are shallow-copied so callers may reuse
// their map.
func (j *Journal) Emit(name string, fields map[string]any) {
	ev := Event{Timestamp: time.Now().UTC(), Name: name}
	if len(fields) > 0 {
		ev.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			ev.Fields[k] = v
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		j.logger.Warn("journal event marshal failed", "event", name, "error", err)
		return
	}

	j.mu.Lock()
	if j.file != nil {
		if _, err := j.file.Write(append(line, '\n')); err != nil {
			j.logger.Warn("journal append failed", "event", name, "error", err)
		}
	}
	j.mu.Unlock()

	if j.nc != nil {
		if err := j.nc.Publish(j.subject, line); err != nil {
			j.logger.Warn("journal NATS mirror failed", "event", name, "error", err)
		}
	}

	j.subsMu.RLock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default: // subscriber too slow, drop
		}
	}
	j.subsMu.RUnlock()
}

// Subscribe returns a bounded event channel and a cancel function. Slow
// subscribers lose events instead of stalling emitters.
func (j *Journal) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	j.subsMu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.subsMu.Unlock()

	cancel := func() {
		j.subsMu.Lock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(ch)
		}
		j.subsMu.Unlock()
	}
	return ch, cancel
}

// Close flushes and closes the file sink. Subscribers are closed as well.
func (j *Journal) Close() error {
	j.subsMu.Lock()
	for id, ch := range j.subs {
		delete(j.subs, id)
		close(ch)
	}
	j.subsMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
