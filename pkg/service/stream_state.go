package service

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomchat/loomchat/pkg/models"
)

// Stream lifecycle status values.
const (
	StreamStatusInitializing = "initializing"
	StreamStatusStreaming    = "streaming"
	StreamStatusComplete     = "complete"
	StreamStatusError        = "error"
)

// StreamingState tracks one in-flight streaming response: the accumulated
// text, the chunks received so far and the completion flags. Each state
// carries its own lock so unrelated streams never contend.
type StreamingState struct {
	StreamID       string
	MessageID      string
	ConversationID string
	StartedAt      time.Time

	mu                   sync.Mutex
	status               string
	content              strings.Builder
	chunks               []string
	completed            bool
	completedViaCallback bool
	lastChunkAt          *time.Time
	endedAt              *time.Time
}

// AppendChunk records one delivered chunk. It reports false when the state
// is already complete; a late token must not touch finalized content.
func (st *StreamingState) AppendChunk(text string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return false
	}
	st.status = StreamStatusStreaming
	st.content.WriteString(text)
	st.chunks = append(st.chunks, text)
	now := time.Now()
	st.lastChunkAt = &now
	return true
}

// Complete marks the stream finished. viaCallback records whether the
// stream-end signal came from the agent rather than a safety-net path. Only
// the first call wins; it reports whether this call was the first.
func (st *StreamingState) Complete(viaCallback bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return false
	}
	st.completed = true
	st.completedViaCallback = viaCallback
	st.status = StreamStatusComplete
	now := time.Now()
	st.endedAt = &now
	return true
}

// ForceContent overwrites the accumulated content with fallback text. It is
// the completion path's own write, so the completed guard does not apply.
func (st *StreamingState) ForceContent(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.content.Reset()
	st.content.WriteString(text)
	st.chunks = append(st.chunks, text)
}

// MarkError flags the stream as failed.
func (st *StreamingState) MarkError() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = StreamStatusError
	if st.endedAt == nil {
		now := time.Now()
		st.endedAt = &now
	}
}

// Completed reports whether the stream has been marked complete.
func (st *StreamingState) Completed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completed
}

// CompletedViaCallback reports whether completion came from the agent's
// stream-end signal.
func (st *StreamingState) CompletedViaCallback() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completedViaCallback
}

// Content returns the accumulated text.
func (st *StreamingState) Content() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.content.String()
}

// ChunkCount returns how many chunks have been recorded.
func (st *StreamingState) ChunkCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.chunks)
}

// EndedAt returns when the stream completed, if it has.
func (st *StreamingState) EndedAt() *time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.endedAt == nil {
		return nil
	}
	t := *st.endedAt
	return &t
}

// Snapshot copies the state into its read-only projection.
func (st *StreamingState) Snapshot() *models.StreamStateView {
	st.mu.Lock()
	defer st.mu.Unlock()
	view := &models.StreamStateView{
		StreamID:             st.StreamID,
		MessageID:            st.MessageID,
		ConversationID:       st.ConversationID,
		Status:               st.status,
		Completed:            st.completed,
		CompletedViaCallback: st.completedViaCallback,
		ChunkCount:           len(st.chunks),
		ContentLength:        st.content.Len(),
		Content:              st.content.String(),
		StartedAt:            st.StartedAt,
	}
	if st.lastChunkAt != nil {
		t := *st.lastChunkAt
		view.LastChunkAt = &t
	}
	if st.endedAt != nil {
		t := *st.endedAt
		view.EndedAt = &t
	}
	return view
}

// lastActivity is the most recent timestamp the sweeper should judge
// idleness against.
func (st *StreamingState) lastActivity() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.endedAt != nil {
		return *st.endedAt
	}
	if st.lastChunkAt != nil {
		return *st.lastChunkAt
	}
	return st.StartedAt
}

// ========== State store ==========

// StreamingStateStore holds live streaming state keyed by stream id. A
// stream whose agent never signals end-of-stream would otherwise stay
// resident forever, so an idle-timeout sweeper reaps abandoned entries.
type StreamingStateStore struct {
	states sync.Map // stream id -> *StreamingState
	logger *slog.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewStreamingStateStore creates a state store. The sweeper does not run
// until Start is called.
func NewStreamingStateStore(idleTimeout, sweepInterval time.Duration, logger *slog.Logger) *StreamingStateStore {
	return &StreamingStateStore{
		logger:        logger,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Create registers state for a new stream. Stream ids are freshly generated
// per request and never reused.
func (s *StreamingStateStore) Create(streamID, messageID, conversationID string) *StreamingState {
	st := &StreamingState{
		StreamID:       streamID,
		MessageID:      messageID,
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		status:         StreamStatusInitializing,
	}
	s.states.Store(streamID, st)
	return st
}

// Get returns the state for a stream id.
func (s *StreamingStateStore) Get(streamID string) (*StreamingState, bool) {
	v, ok := s.states.Load(streamID)
	if !ok {
		return nil, false
	}
	return v.(*StreamingState), true
}

// Delete removes a stream's state. Callers must persist first; a concurrent
// reader finding nothing after persistence is fine, before it is not.
func (s *StreamingStateStore) Delete(streamID string) {
	s.states.Delete(streamID)
}

// Len counts resident states.
func (s *StreamingStateStore) Len() int {
	n := 0
	s.states.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Start runs the idle sweeper until Stop is called.
func (s *StreamingStateStore) Start() {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop shuts the sweeper down.
func (s *StreamingStateStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// sweep drops states idle beyond the timeout and returns how many were
// removed.
func (s *StreamingStateStore) sweep(now time.Time) int {
	removed := 0
	s.states.Range(func(key, value interface{}) bool {
		st := value.(*StreamingState)
		idle := now.Sub(st.lastActivity())
		if idle < s.idleTimeout {
			return true
		}
		s.states.Delete(key)
		removed++
		s.logger.Warn("Swept idle streaming state",
			"stream_id", st.StreamID,
			"message_id", st.MessageID,
			"idle", idle.Truncate(time.Second).String(),
			"completed", st.Completed())
		return true
	})
	return removed
}
