// Package logs captures slog records into an in-memory ring so the
// supervisor status and the log endpoints can serve a recent tail without
// touching disk.
package logs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultMaxLogs is the ring capacity.
	DefaultMaxLogs = 1000
	// DefaultBufferSize is the subscriber event buffer size.
	DefaultBufferSize = 100
	// HeartbeatInterval is how often streaming endpoints ping idle clients.
	HeartbeatInterval = 30 * time.Second
	// maxRecentErrors bounds the error tail kept for the stats view.
	maxRecentErrors = 10
)

// Entry is one captured log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Module    string         `json:"module,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stats summarizes the captured stream.
type Stats struct {
	TotalLogs          int64            `json:"total_logs"`
	LogsByLevel        map[string]int64 `json:"logs_by_level"`
	LogsByModule       map[string]int64 `json:"logs_by_module"`
	RecentErrors       []Entry          `json:"recent_errors"`
	LogRatePerMinute   float64          `json:"log_rate_per_minute"`
	OldestLogTimestamp *time.Time       `json:"oldest_log_timestamp,omitempty"`
	NewestLogTimestamp *time.Time       `json:"newest_log_timestamp,omitempty"`
}

// Subscriber is a client receiving captured entries as they arrive.
type Subscriber struct {
	ID     string
	Events chan *Entry
	Done   chan struct{}
}

// Service holds the ring buffer, per-level/per-module counters, and the
// live subscribers.
type Service struct {
	mu          sync.RWMutex
	entries     []Entry
	maxLogs     int
	subscribers map[string]*Subscriber
	totalLogs   int64
	byLevel     map[string]int64
	byModule    map[string]int64
	recentErrs  []Entry
	startTime   time.Time
}

// New creates an empty log service.
func New() *Service {
	return &Service{
		entries:     make([]Entry, 0, DefaultMaxLogs),
		maxLogs:     DefaultMaxLogs,
		subscribers: make(map[string]*Subscriber),
		byLevel:     make(map[string]int64),
		byModule:    make(map[string]int64),
		startTime:   time.Now(),
	}
}

// WrapHandler tees records through this service on their way to the real
// handler. Install it once, around the process logger, before anything
// logs.
func (s *Service) WrapHandler(handler slog.Handler) slog.Handler {
	return &captureHandler{service: s, wrapped: handler}
}

// Add records one entry and fans it out to subscribers without blocking.
func (s *Service) Add(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	s.totalLogs++
	s.byLevel[entry.Level]++
	if entry.Module != "" {
		s.byModule[entry.Module]++
	}

	if entry.Level == "error" {
		s.recentErrs = append(s.recentErrs, entry)
		if len(s.recentErrs) > maxRecentErrors {
			s.recentErrs = s.recentErrs[1:]
		}
	}

	if len(s.entries) >= s.maxLogs {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, entry)

	for _, sub := range s.subscribers {
		select {
		case sub.Events <- &entry:
		default:
			// Slow subscribers lose entries rather than stall logging.
		}
	}
}

// Subscribe registers a consumer for live entries. The subscription ends
// when the context is cancelled or Done is closed.
func (s *Service) Subscribe(ctx context.Context) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Events: make(chan *Entry, DefaultBufferSize),
		Done:   make(chan struct{}),
	}
	s.subscribers[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done:
		}
		s.Unsubscribe(sub.ID)
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(s.subscribers, subscriberID)
	}
}

// GetStats returns counters over everything captured since startup.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalLogs:    s.totalLogs,
		LogsByLevel:  make(map[string]int64, len(s.byLevel)),
		LogsByModule: make(map[string]int64, len(s.byModule)),
		RecentErrors: make([]Entry, len(s.recentErrs)),
	}

	for level, count := range s.byLevel {
		stats.LogsByLevel[level] = count
	}
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, ok := stats.LogsByLevel[level]; !ok {
			stats.LogsByLevel[level] = 0
		}
	}
	for module, count := range s.byModule {
		stats.LogsByModule[module] = count
	}
	copy(stats.RecentErrors, s.recentErrs)

	if elapsed := time.Since(s.startTime).Minutes(); elapsed > 0 {
		stats.LogRatePerMinute = float64(s.totalLogs) / elapsed
	}

	if len(s.entries) > 0 {
		oldest := s.entries[0].Timestamp
		newest := s.entries[len(s.entries)-1].Timestamp
		stats.OldestLogTimestamp = &oldest
		stats.NewestLogTimestamp = &newest
	}

	return stats
}

// Recent returns up to limit entries, newest last, optionally restricted to
// one level. A non-positive limit returns the whole tail.
func (s *Service) Recent(limit int, level string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level = strings.ToLower(level)

	matched := s.entries
	if level != "" {
		matched = make([]Entry, 0, len(s.entries))
		for _, entry := range s.entries {
			if entry.Level == level {
				matched = append(matched, entry)
			}
		}
	}

	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}

	result := make([]Entry, limit)
	copy(result, matched[len(matched)-limit:])
	return result
}

// SubscriberCount returns the number of live subscribers.
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// captureHandler tees slog records into the service.
type captureHandler struct {
	service *Service
	wrapped slog.Handler
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		ID:        ulid.Make().String(),
		Timestamp: r.Time,
		Level:     levelName(r.Level),
		Message:   r.Message,
		Fields:    make(map[string]any),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	for _, attr := range h.attrs {
		addAttr(&entry, attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(&entry, a)
		return true
	})
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	h.service.Add(entry)
	return h.wrapped.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{service: h.service, wrapped: h.wrapped.WithAttrs(attrs), attrs: merged}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	// Groups flatten into the fields map; the wrapped handler keeps them.
	return &captureHandler{service: h.service, wrapped: h.wrapped.WithGroup(name), attrs: h.attrs}
}

// addAttr maps the conventional attribute keys onto entry fields and keeps
// the rest as free-form fields.
func addAttr(entry *Entry, attr slog.Attr) {
	value := attr.Value.Any()

	switch attr.Key {
	case "component", "module":
		if s, ok := value.(string); ok {
			entry.Module = s
			return
		}
	case slog.SourceKey:
		if src, ok := value.(*slog.Source); ok {
			entry.File = src.File
			entry.Line = src.Line
			return
		}
	}
	entry.Fields[attr.Key] = value
}

// levelName maps slog levels onto the wire names used by the API.
func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
