package flow

import (
	"sync"
	"time"

	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// FireFunc is invoked when a delay elapses, with the conversation and the
// node execution should resume from.
type FireFunc func(conversationID, nodeID string)

// Scheduler defers delay-node continuations without blocking other
// conversations. Timers are keyed by conversation+node and cancellable
// when a conversation reaches a terminal status before the delay elapses.
type Scheduler struct {
	mu     sync.Mutex
	fire   FireFunc
	timers map[string]map[string]*time.Timer // conversation ID -> node ID -> timer
}

// NewScheduler creates an idle scheduler. SetFire must be called before
// any timer elapses.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]map[string]*time.Timer)}
}

// SetFire installs the continuation callback. Split from construction so
// the scheduler can be wired before the service that handles firings.
func (s *Scheduler) SetFire(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.mu.Unlock()
}

// Schedule arms a timer that resumes the conversation at nodeID after d.
// Re-scheduling the same conversation+node replaces the pending timer.
func (s *Scheduler) Schedule(conversationID, nodeID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode, ok := s.timers[conversationID]
	if !ok {
		byNode = make(map[string]*time.Timer)
		s.timers[conversationID] = byNode
	}
	if old, ok := byNode[nodeID]; ok {
		old.Stop()
		metrics.DelayedNodesScheduled.Dec()
	}

	byNode[nodeID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		fire := s.fire
		if byNode, ok := s.timers[conversationID]; ok {
			delete(byNode, nodeID)
			if len(byNode) == 0 {
				delete(s.timers, conversationID)
			}
		}
		s.mu.Unlock()
		metrics.DelayedNodesScheduled.Dec()

		if fire != nil {
			fire(conversationID, nodeID)
		}
	})
	metrics.DelayedNodesScheduled.Inc()
}

// Cancel drops every pending timer for a conversation.
func (s *Scheduler) Cancel(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode, ok := s.timers[conversationID]
	if !ok {
		return
	}
	for nodeID, timer := range byNode {
		if timer.Stop() {
			metrics.DelayedNodesScheduled.Dec()
		}
		delete(byNode, nodeID)
	}
	delete(s.timers, conversationID)
}

// Stop drops every pending timer, for shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conversationID, byNode := range s.timers {
		for _, timer := range byNode {
			if timer.Stop() {
				metrics.DelayedNodesScheduled.Dec()
			}
		}
		delete(s.timers, conversationID)
	}
}

// Pending reports the number of armed timers, for tests.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byNode := range s.timers {
		n += len(byNode)
	}
	return n
}
