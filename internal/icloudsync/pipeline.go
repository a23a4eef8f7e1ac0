package icloudsync

import (
	"context"
	"sort"
	gosync "sync"
	"time"
)

const (
	// pollTimeout bounds how long Drain waits for the next event before
	// re-checking the debounce deadline (spec.md §4.5).
	pollTimeout = 500 * time.Millisecond

	// DefaultDebouncePeriod is the minimum and default quiescent interval
	// used to batch a burst of filesystem events into one dispatch round
	// (spec.md §6).
	DefaultDebouncePeriod = 10 * time.Second
)

// EventPipeline queues raw filesystem events, drops ones the engine itself
// caused or that the filters exclude, and on drain produces a coalesced,
// folder-scope-conflated batch in original timestamp order (spec.md §4.5,
// component C7).
type EventPipeline struct {
	localFilter  *FilterSet
	remoteFilter *FilterSet

	debouncePeriod time.Duration

	mu         gosync.Mutex
	suppressed map[string]struct{}

	ch chan QueuedEvent
}

// NewEventPipeline constructs a pipeline. debouncePeriod is clamped to at
// least DefaultDebouncePeriod's minimum (10s) per spec.md §6.
func NewEventPipeline(localFilter, remoteFilter *FilterSet, debouncePeriod time.Duration) *EventPipeline {
	if debouncePeriod < DefaultDebouncePeriod {
		debouncePeriod = DefaultDebouncePeriod
	}

	return &EventPipeline{
		localFilter:    localFilter,
		remoteFilter:   remoteFilter,
		debouncePeriod: debouncePeriod,
		suppressed:     make(map[string]struct{}),
		ch:             make(chan QueuedEvent, 4096),
	}
}

// Suppress marks path so the next matching watcher echo is dropped by
// Enqueue rather than re-entering the pipeline (spec.md §4.6 "suppressed
// paths").
func (p *EventPipeline) Suppress(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suppressed[path] = struct{}{}
}

// QueueLen reports the number of events currently buffered, for the
// reconciler's "no queued events" check before applying a refresh.
func (p *EventPipeline) QueueLen() int {
	return len(p.ch)
}

// ClearSuppressed empties the suppressed-path set. Called by the reconciler
// once all in-flight futures for a dispatch round have finished.
func (p *EventPipeline) ClearSuppressed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suppressed = make(map[string]struct{})
}

func (p *EventPipeline) isSuppressed(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.suppressed[path]

	return ok
}

// Enqueue appends ev to the queue unless its src (or dst) path is currently
// suppressed or is ignored by either filter (spec.md §4.5 enqueue rule).
func (p *EventPipeline) Enqueue(ev Event) {
	if p.isSuppressed(ev.Src) || (ev.Dst != "" && p.isSuppressed(ev.Dst)) {
		return
	}

	if p.localFilter.Ignore(ev.Src, ev.IsDir) || p.remoteFilter.Ignore(ev.Src, ev.IsDir) {
		return
	}

	if ev.Dst != "" && (p.localFilter.Ignore(ev.Dst, ev.IsDir) || p.remoteFilter.Ignore(ev.Dst, ev.IsDir)) {
		return
	}

	select {
	case p.ch <- QueuedEvent{Timestamp: ev.TS, Event: ev}:
	default:
		// Queue is saturated; the periodic refresh will eventually recover
		// any change this event would have announced.
	}
}

// Drain blocks until the queue has received at least one event and then
// stayed empty for debouncePeriod, polling every pollTimeout, and returns
// the coalesced, folder-conflated batch. It returns early, with whatever
// was collected, if ctx is canceled.
func (p *EventPipeline) Drain(ctx context.Context) []Event {
	var collected []QueuedEvent

	var emptySince time.Time

	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return finalize(collected)
		case qe := <-p.ch:
			collected = append(collected, qe)
			emptySince = time.Time{}

			if !timer.Stop() {
				<-timer.C
			}

			timer.Reset(pollTimeout)
		case <-timer.C:
			if len(collected) == 0 {
				timer.Reset(pollTimeout)
				continue
			}

			if emptySince.IsZero() {
				emptySince = time.Now()
			}

			if time.Since(emptySince) >= p.debouncePeriod {
				return finalize(collected)
			}

			timer.Reset(pollTimeout)
		}
	}
}

func finalize(collected []QueuedEvent) []Event {
	coalesced := coalesce(collected)
	conflated := conflateFolderScope(coalesced)

	out := make([]Event, len(conflated))
	for i, qe := range conflated {
		out[i] = qe.Event
	}

	return out
}

// coalesce reduces events per src path to a single final event, preserving
// global timestamp order across distinct paths (spec.md §4.5, Testable
// Property §5: idempotent).
func coalesce(events []QueuedEvent) []QueuedEvent {
	byPath := make(map[string][]QueuedEvent)

	var order []string

	for _, qe := range events {
		if _, ok := byPath[qe.Event.Src]; !ok {
			order = append(order, qe.Event.Src)
		}

		byPath[qe.Event.Src] = append(byPath[qe.Event.Src], qe)
	}

	out := make([]QueuedEvent, 0, len(order))

	for _, src := range order {
		evs := byPath[src]

		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })

		out = append(out, coalesceOne(evs))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out
}

func coalesceOne(evs []QueuedEvent) QueuedEvent {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event.Kind.isDelete() {
			return evs[i]
		}
	}

	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event.Kind.isMove() {
			return evs[i]
		}
	}

	if evs[0].Event.Kind.isCreate() {
		return evs[0]
	}

	return evs[len(evs)-1]
}

// conflateFolderScope drops events made redundant by a folder-level event in
// the same batch, in two passes: FolderDeleted first, then FolderMoved
// (spec.md §4.5). It is nilpotent on a fixed-point batch (Testable Property
// §6).
func conflateFolderScope(events []QueuedEvent) []QueuedEvent {
	for _, kind := range []EventKind{FolderDeleted, FolderMoved} {
		events = dropNestedFolderEvents(events, kind)
		events = dropDescendantsOfFolderEvents(events, kind)
	}

	return events
}

func dropNestedFolderEvents(events []QueuedEvent, kind EventKind) []QueuedEvent {
	var tops []string

	for _, qe := range events {
		if qe.Event.Kind == kind {
			tops = append(tops, qe.Event.Src)
		}
	}

	out := make([]QueuedEvent, 0, len(events))

	for _, qe := range events {
		if qe.Event.Kind == kind && isNestedUnderAny(qe.Event.Src, tops) {
			continue
		}

		out = append(out, qe)
	}

	return out
}

func dropDescendantsOfFolderEvents(events []QueuedEvent, kind EventKind) []QueuedEvent {
	var tops []string

	for _, qe := range events {
		if qe.Event.Kind == kind {
			tops = append(tops, qe.Event.Src)
		}
	}

	if len(tops) == 0 {
		return events
	}

	out := make([]QueuedEvent, 0, len(events))

	for _, qe := range events {
		if qe.Event.Kind == kind {
			out = append(out, qe)
			continue
		}

		covered := false

		for _, top := range tops {
			if IsDescendant(qe.Event.Src, top) {
				covered = true
				break
			}
		}

		if !covered {
			out = append(out, qe)
		}
	}

	return out
}

// isNestedUnderAny reports whether src strictly descends from any other
// element of tops.
func isNestedUnderAny(src string, tops []string) bool {
	for _, top := range tops {
		if top != src && IsDescendant(src, top) {
			return true
		}
	}

	return false
}
