package recorder

import (
	"io"
	"sync"
	"time"
)

// Outcome tells the caller what happened to a submitted chunk.
type Outcome string

const (
	// OutcomeAccepted: the chunk was transcoded and packaged.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeQueued: the chunk is buffered until earlier sequence numbers are packaged.
	OutcomeQueued Outcome = "queued"
	// OutcomeDuplicate: an identical chunk already holds this sequence number.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeFailed: processing of the chunk failed and the session is halted at it.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected: the chunk was not taken at all.
	OutcomeRejected Outcome = "rejected"
)

// Submission is one chunk handed to the pipeline by the ingress layer.
type Submission struct {
	SessionID string
	Sequence  int64
	// Ext is the raw chunk's file extension, including the dot.
	Ext  string
	Body io.Reader
}

// pendingChunk is a committed raw chunk waiting for, or undergoing, processing.
type pendingChunk struct {
	Sequence   int64
	RawPath    string
	Digest     string
	ReceivedAt time.Time
}

// haltState records where and why a session stopped advancing.
type haltState struct {
	Sequence int64
	Err      error
	At       time.Time
}

// Session is the in-memory state of one recording session. All fields below
// mu are guarded by it.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	next         int64
	contextReady bool
	running      bool
	inflight     *pendingChunk
	buffer       *pendingBuffer
	digests      map[int64]string
	halted       *haltState
	lastErr      error
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		next:      1,
		buffer:    newPendingBuffer(),
		digests:   make(map[int64]string),
	}
}

// HaltInfo is the externally visible form of a halted session.
type HaltInfo struct {
	Sequence int64     `json:"sequence_number"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// SessionStatus is a point-in-time view of a session's progression.
type SessionStatus struct {
	SessionID                   string    `json:"session_id"`
	CreatedAt                   time.Time `json:"created_at"`
	NextExpectedSequence        int64     `json:"next_expected_sequence"`
	PackagingContextInitialized bool      `json:"packaging_context_initialized"`
	Processing                  int64     `json:"processing,omitempty"`
	Buffered                    []int64   `json:"buffered"`
	Halted                      *HaltInfo `json:"halted,omitempty"`
	LastError                   string    `json:"last_error,omitempty"`
}

// status must be called with s.mu held.
func (s *Session) status() SessionStatus {
	st := SessionStatus{
		SessionID:                   s.ID,
		CreatedAt:                   s.CreatedAt,
		NextExpectedSequence:        s.next,
		PackagingContextInitialized: s.contextReady,
		Buffered:                    s.buffer.Sequences(),
	}
	if s.inflight != nil {
		st.Processing = s.inflight.Sequence
	}
	if s.halted != nil {
		st.Halted = &HaltInfo{Sequence: s.halted.Sequence, Error: s.halted.Err.Error(), At: s.halted.At}
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
