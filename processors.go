package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

var ErrNoProcessor = errors.New("ingest: no processor registered for event type")

// ProcessorRouter dispatches events to processors registered by event type.
// A pattern ending in ".*" matches every event type with that prefix; the
// longest matching pattern wins and exact matches beat wildcards.
type ProcessorRouter struct {
	mu         sync.RWMutex
	processors map[string]core.EventProcessor
	fallback   core.EventProcessor
}

func NewProcessorRouter() *ProcessorRouter {
	return &ProcessorRouter{processors: map[string]core.EventProcessor{}}
}

func (r *ProcessorRouter) Register(pattern string, processor core.EventProcessor) error {
	if r == nil {
		return fmt.Errorf("ingest: processor router is nil")
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("ingest: event type pattern is required")
	}
	if processor == nil {
		return fmt.Errorf("ingest: processor for %q is required", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processors == nil {
		r.processors = map[string]core.EventProcessor{}
	}
	if _, exists := r.processors[pattern]; exists {
		return fmt.Errorf("ingest: processor for %q already registered", pattern)
	}
	r.processors[pattern] = processor
	return nil
}

// SetFallback handles events no registered pattern matches.
func (r *ProcessorRouter) SetFallback(processor core.EventProcessor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = processor
}

func (r *ProcessorRouter) Patterns() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ProcessorRouter) Process(ctx context.Context, event core.Event) error {
	if r == nil {
		return ErrNoProcessor
	}
	processor := r.resolve(strings.TrimSpace(event.EventType))
	if processor == nil {
		return fmt.Errorf("%w: %q", ErrNoProcessor, event.EventType)
	}
	return processor.Process(ctx, event)
}

func (r *ProcessorRouter) resolve(eventType string) core.EventProcessor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if processor, ok := r.processors[eventType]; ok {
		return processor
	}
	best := ""
	for pattern := range r.processors {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(eventType, prefix) {
			continue
		}
		if len(pattern) > len(best) {
			best = pattern
		}
	}
	if best != "" {
		return r.processors[best]
	}
	return r.fallback
}
