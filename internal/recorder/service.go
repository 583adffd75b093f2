package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dash-recorder/internal/chunkstore"
	"dash-recorder/internal/metadata"
	"dash-recorder/internal/platform/metrics"
)

// Transcoder encodes one raw chunk into encodedPath.
type Transcoder interface {
	Transcode(ctx context.Context, rawPath, encodedPath string) (string, error)
}

// Packager appends an encoded chunk to the DASH package in dashDir.
type Packager interface {
	Package(ctx context.Context, dashDir, encodedPath string, first bool) error
}

// MetadataStore is the durable record log.
type MetadataStore interface {
	Append(rec metadata.Record) error
	ListAll() ([]metadata.Record, error)
	ListSessions() ([]metadata.SessionSummary, error)
}

// Deps are the collaborators of a Service. Metrics may be nil.
type Deps struct {
	Chunks     *chunkstore.Store
	Transcoder Transcoder
	Packager   Packager
	Metadata   MetadataStore
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Service is the per-session sequential chunk pipeline. Chunks of one session
// are transcoded and packaged strictly in sequence order, one at a time;
// different sessions proceed in parallel.
type Service struct {
	chunks     *chunkstore.Store
	transcoder Transcoder
	packager   Packager
	meta       MetadataStore
	sessions   *SessionRepository
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// work is the parent context of every processing step. It is detached
	// from request contexts so a disconnecting client cannot abort a chunk
	// half way through packaging.
	work   context.Context
	cancel context.CancelFunc

	// lifeMu orders every wg.Add before Close starts waiting.
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService returns a Service wired to deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Chunks == nil || deps.Transcoder == nil || deps.Packager == nil || deps.Metadata == nil {
		return nil, errors.New("recorder: chunk store, transcoder, packager and metadata store are required")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	work, cancel := context.WithCancel(context.Background())
	return &Service{
		chunks:     deps.Chunks,
		transcoder: deps.Transcoder,
		packager:   deps.Packager,
		meta:       deps.Metadata,
		sessions:   NewSessionRepository(),
		log:        log,
		metrics:    deps.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		work:       work,
		cancel:     cancel,
	}, nil
}

// Submit hands one chunk to the pipeline.
//
// If the chunk is the next expected one for its session it is processed before
// Submit returns and the outcome is OutcomeAccepted (or OutcomeFailed with a
// transcode/package error, which halts the session at that sequence number).
// Chunks ahead of the expected one are buffered and reported as OutcomeQueued.
// Sequence numbers already taken yield OutcomeDuplicate with a nil error when
// the bytes are identical, or ErrChunkConflict otherwise.
//
// The outcome is meaningful even when err is non-nil: a chunk buffered in a
// halted session is OutcomeQueued with a *HaltedError, and a packaged chunk
// whose metadata could not be written is OutcomeAccepted with ErrMetadataIO.
func (s *Service) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	if !s.track() {
		return OutcomeRejected, ErrClosed
	}
	defer s.wg.Done()

	if err := ctx.Err(); err != nil {
		return OutcomeRejected, err
	}
	if err := chunkstore.ValidateSessionID(sub.SessionID); err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if sub.Sequence < 1 {
		return OutcomeRejected, fmt.Errorf("%w: sequence number must be positive, got %d", ErrInvalidInput, sub.Sequence)
	}
	if sub.Body == nil {
		return OutcomeRejected, fmt.Errorf("%w: empty chunk body", ErrInvalidInput)
	}
	if sub.Ext == "" {
		sub.Ext = chunkstore.NormalizeExt("")
	}

	staged, err := s.chunks.Stage(sub.SessionID, sub.Ext, sub.Body)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if staged.Size == 0 {
		s.chunks.Discard(staged)
		return OutcomeRejected, fmt.Errorf("%w: empty chunk body", ErrInvalidInput)
	}
	if s.metrics != nil {
		s.metrics.IncChunksReceived()
	}

	sess, created := s.sessions.GetOrCreate(sub.SessionID, s.now())
	if created {
		s.log.Info("session created", slog.String("session_id", sess.ID))
	}
	return s.admit(sess, sub.Sequence, staged)
}

// admit decides what to do with a staged chunk under the session lock and, if
// the chunk is next in line and nothing else is processing, processes it on
// the caller's goroutine.
func (s *Service) admit(sess *Session, seq int64, staged *chunkstore.Staged) (Outcome, error) {
	log := s.log.With(slog.String("session_id", sess.ID), slog.Int64("sequence", seq))

	sess.mu.Lock()

	if known, taken := s.takenDigestLocked(sess, seq); taken {
		halted := sess.haltedErrLocked()
		sess.mu.Unlock()
		s.chunks.Discard(staged)
		if known != "" && known != staged.Digest {
			log.Warn("conflicting duplicate chunk rejected")
			return OutcomeRejected, conflictError(halted)
		}
		log.Info("duplicate chunk ignored")
		if s.metrics != nil {
			s.metrics.IncChunksDuplicate()
		}
		return OutcomeDuplicate, halted
	}

	if buffered, ok := sess.buffer.Get(seq); ok {
		halted := sess.haltedErrLocked()
		sess.mu.Unlock()
		s.chunks.Discard(staged)
		if buffered.Digest != staged.Digest {
			log.Warn("conflicting chunk for buffered sequence rejected")
			return OutcomeRejected, conflictError(halted)
		}
		return OutcomeQueued, halted
	}

	rawPath, err := s.chunks.Commit(staged, seq)
	if err != nil {
		sess.mu.Unlock()
		s.chunks.Discard(staged)
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	chunk := pendingChunk{Sequence: seq, RawPath: rawPath, Digest: staged.Digest, ReceivedAt: s.now()}

	if seq != sess.next || sess.running {
		sess.buffer.Put(chunk)
		halted := sess.haltedErrLocked()
		next := sess.next
		sess.mu.Unlock()
		log.Debug("chunk queued", slog.Int64("next_expected", next))
		if s.metrics != nil {
			s.metrics.IncChunksQueued()
		}
		return OutcomeQueued, halted
	}

	if sess.halted != nil {
		log.Info("retrying halted sequence")
		sess.halted = nil
	}
	sess.running = true
	sess.inflight = &chunk
	first := !sess.contextReady
	sess.mu.Unlock()

	packaged, err := s.process(sess, chunk, first)
	if s.finish(sess, chunk, packaged, err) {
		s.startDrain(sess)
	}

	switch {
	case !packaged:
		return OutcomeFailed, err
	case err != nil:
		return OutcomeAccepted, err
	default:
		return OutcomeAccepted, nil
	}
}

// takenDigestLocked reports whether seq is already packaged or being
// processed, and the digest of the chunk holding it ("" if unknown).
func (s *Service) takenDigestLocked(sess *Session, seq int64) (string, bool) {
	if sess.inflight != nil && sess.inflight.Sequence == seq {
		return sess.inflight.Digest, true
	}
	if seq >= sess.next {
		return "", false
	}
	if d, ok := sess.digests[seq]; ok {
		return d, true
	}
	d := s.rawDigest(sess.ID, seq)
	if d != "" {
		sess.digests[seq] = d
	}
	return d, true
}

// rawDigest hashes the raw file kept for a packaged chunk, or returns "" if
// it is not on disk any more.
func (s *Service) rawDigest(sessionID string, seq int64) string {
	path, ok := s.chunks.FindRaw(sessionID, seq)
	if !ok {
		return ""
	}
	d, err := chunkstore.Digest(path)
	if err != nil {
		return ""
	}
	return d
}

// haltedErrLocked returns the session's latched failure, or nil.
func (sess *Session) haltedErrLocked() error {
	if sess.halted == nil {
		return nil
	}
	return &HaltedError{Sequence: sess.halted.Sequence, Err: sess.halted.Err}
}

// process runs transcode, package and metadata for one chunk. packaged
// reports whether the chunk reached the DASH package, independent of err.
func (s *Service) process(sess *Session, c pendingChunk, first bool) (packaged bool, err error) {
	log := s.log.With(slog.String("session_id", sess.ID), slog.Int64("sequence", c.Sequence))

	start := time.Now()
	encoded, err := s.transcoder.Transcode(s.work, c.RawPath, s.chunks.EncodedPath(sess.ID, c.Sequence))
	s.observe(metrics.StageTranscode, start, err)
	if err != nil {
		return false, stageError(ErrTranscode, err)
	}

	start = time.Now()
	err = s.packager.Package(s.work, s.chunks.DashDir(sess.ID), encoded, first)
	s.observe(metrics.StagePackage, start, err)
	if err != nil {
		return false, stageError(ErrPackage, err)
	}
	if err := s.chunks.SaveProgress(sess.ID, chunkstore.Progress{Packaged: c.Sequence}); err != nil {
		log.Warn("packaging progress not saved", slog.String("error", err.Error()))
	}

	start = time.Now()
	err = s.meta.Append(metadata.Record{
		SessionID:      sess.ID,
		SequenceNumber: c.Sequence,
		Filename:       chunkstore.EncodedFilename(c.Sequence),
		UploadTime:     s.now(),
	})
	s.observe(metrics.StageMetadata, start, err)
	if err != nil {
		log.Error("chunk packaged but metadata not recorded", slog.String("error", err.Error()))
		return true, stageError(ErrMetadataIO, err)
	}

	if s.metrics != nil {
		s.metrics.IncChunksPackaged()
	}
	log.Info("chunk packaged",
		slog.Bool("first", first),
		slog.Duration("waited", time.Since(c.ReceivedAt)))
	return true, nil
}

func (s *Service) observe(stage string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveStage(stage, time.Since(start))
	if err != nil {
		s.metrics.IncFailures(stage)
	}
}

// finish records the result of processing c. It returns true when the next
// chunk is already buffered; the caller must then keep draining, and the
// session stays marked as running.
func (s *Service) finish(sess *Session, c pendingChunk, packaged bool, err error) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.inflight = nil
	if packaged {
		sess.next = c.Sequence + 1
		sess.contextReady = true
		sess.digests[c.Sequence] = c.Digest
		if err != nil {
			sess.lastErr = err
		}
	} else {
		sess.halted = &haltState{Sequence: c.Sequence, Err: err, At: s.now()}
		s.saveHaltLocked(sess)
		s.log.Error("session halted",
			slog.String("session_id", sess.ID),
			slog.Int64("sequence", c.Sequence),
			slog.Int("buffered", sess.buffer.Len()),
			slog.String("error", err.Error()))
	}

	if sess.halted == nil && sess.buffer.ContiguousFrom(sess.next) > 0 {
		return true
	}
	sess.running = false
	return false
}

// saveHaltLocked persists the session's halt so a restart does not retry the
// failed chunk on its own.
func (s *Service) saveHaltLocked(sess *Session) {
	stage := metrics.StagePackage
	if errors.Is(sess.halted.Err, ErrTranscode) {
		stage = metrics.StageTranscode
	}
	err := s.chunks.SaveProgress(sess.ID, chunkstore.Progress{
		Packaged: sess.next - 1,
		Halted: &chunkstore.HaltMark{
			Sequence: sess.halted.Sequence,
			Stage:    stage,
			Error:    sess.halted.Err.Error(),
			At:       sess.halted.At,
		},
	})
	if err != nil {
		s.log.Warn("halt not saved", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

// track registers one unit of work with the shutdown wait group. It returns
// false once Close has been called.
func (s *Service) track() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// startDrain must be called from tracked work so the wait group is non-zero.
func (s *Service) startDrain(sess *Session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(sess)
	}()
}

// drain processes buffered chunks in order until a gap or a failure. The
// session must be marked running by the caller.
func (s *Service) drain(sess *Session) {
	for {
		sess.mu.Lock()
		c, ok := sess.buffer.Pop(sess.next)
		if !ok || sess.halted != nil {
			sess.running = false
			sess.mu.Unlock()
			return
		}
		sess.inflight = &c
		first := !sess.contextReady
		sess.mu.Unlock()

		s.log.Debug("draining buffered chunk",
			slog.String("session_id", sess.ID),
			slog.Int64("sequence", c.Sequence))

		packaged, err := s.process(sess, c, first)
		if !s.finish(sess, c, packaged, err) {
			return
		}
	}
}

// Status returns the progression state of a session.
func (s *Service) Status(sessionID string) (SessionStatus, error) {
	if err := chunkstore.ValidateSessionID(sessionID); err != nil {
		return SessionStatus{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return SessionStatus{}, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status(), nil
}

// Records returns every metadata record in append order.
func (s *Service) Records() ([]metadata.Record, error) {
	return s.meta.ListAll()
}

// ListSessions returns one summary per session that has packaged chunks.
func (s *Service) ListSessions() ([]metadata.SessionSummary, error) {
	return s.meta.ListSessions()
}

// SessionCounts returns the number of known and halted sessions.
func (s *Service) SessionCounts() (active, halted int) {
	return s.sessions.Counts()
}

// Close stops accepting chunks and waits for in-flight submissions and
// background drains to finish or ctx to expire, whichever comes first.
// Processing still running when ctx expires is cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
