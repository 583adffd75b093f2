package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dash-recorder/internal/chunkstore"
	"dash-recorder/internal/media"
	"dash-recorder/internal/metadata"
	"dash-recorder/internal/platform/metrics"

	"golang.org/x/sync/errgroup"
)

const recoveryParallelism = 4

// Recover rebuilds the session table after a restart. The next expected
// sequence of every session follows the highest chunk known to be packaged,
// from either the metadata log or the session's progress file. Raw chunks
// found on disk beyond it are buffered again. Sessions that were halted stay
// halted at the same sequence number; the others start draining immediately
// when their next chunk is present. Recover must run before the first Submit.
func (s *Service) Recover(ctx context.Context) error {
	if !s.track() {
		return ErrClosed
	}
	defer s.wg.Done()

	records, err := s.meta.ListAll()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	last := metadata.LastSequences(records)

	onDisk, err := s.chunks.Sessions()
	if err != nil {
		return fmt.Errorf("recover: list sessions: %w", err)
	}
	ids := make(map[string]struct{}, len(onDisk)+len(last))
	for _, id := range onDisk {
		ids[id] = struct{}{}
	}
	for id := range last {
		if chunkstore.ValidateSessionID(id) == nil {
			ids[id] = struct{}{}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.recoverSession(id, last[id])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info("sessions recovered", slog.Int("sessions", len(ids)), slog.Int("records", len(records)))
	return nil
}

func (s *Service) recoverSession(id string, lastSeq int64) error {
	log := s.log.With(slog.String("session_id", id))

	if err := s.chunks.RemoveStaging(id); err != nil {
		log.Warn("could not remove staging files", slog.String("error", err.Error()))
	}
	raws, err := s.chunks.RawChunks(id)
	if err != nil {
		return fmt.Errorf("recover %s: %w", id, err)
	}
	progress, err := s.chunks.LoadProgress(id)
	if err != nil {
		log.Warn("ignoring unreadable progress file", slog.String("error", err.Error()))
		progress = chunkstore.Progress{}
	}
	if progress.Packaged > lastSeq {
		log.Warn("packaged chunks missing from metadata",
			slog.Int64("last_recorded", lastSeq),
			slog.Int64("last_packaged", progress.Packaged))
		lastSeq = progress.Packaged
	}

	createdAt := s.now()
	if info, err := os.Stat(s.chunks.SessionDir(id)); err == nil {
		createdAt = info.ModTime().UTC()
	}
	sess, created := s.sessions.GetOrCreate(id, createdAt)
	if !created {
		return nil
	}

	sess.mu.Lock()
	sess.next = lastSeq + 1
	if lastSeq > 0 {
		sess.contextReady = true
		if _, err := os.Stat(filepath.Join(s.chunks.DashDir(id), media.ContextFile)); err != nil {
			log.Warn("packaging context missing for recorded session", slog.Int64("last_sequence", lastSeq))
		}
	}
	if h := progress.Halted; h != nil && h.Sequence == sess.next {
		sess.halted = &haltState{Sequence: h.Sequence, Err: restoredHaltError(h), At: h.At}
	}
	for _, rc := range raws {
		if rc.Sequence < sess.next {
			continue
		}
		// The failed chunk is retried only when it is submitted again.
		if sess.halted != nil && rc.Sequence == sess.halted.Sequence {
			continue
		}
		digest, err := chunkstore.Digest(rc.Path)
		if err != nil {
			log.Warn("skipping unreadable raw chunk", slog.Int64("sequence", rc.Sequence), slog.String("error", err.Error()))
			continue
		}
		sess.buffer.Put(pendingChunk{Sequence: rc.Sequence, RawPath: rc.Path, Digest: digest, ReceivedAt: s.now()})
	}
	buffered := sess.buffer.Len()
	halted := sess.halted != nil
	drain := !halted && sess.buffer.ContiguousFrom(sess.next) > 0
	if drain {
		sess.running = true
	}
	next := sess.next
	sess.mu.Unlock()

	log.Debug("session recovered",
		slog.Int64("next_expected", next),
		slog.Int("buffered", buffered),
		slog.Bool("halted", halted))
	if drain {
		s.startDrain(sess)
	}
	return nil
}

// restoredHaltError rebuilds a saved halt cause so it still matches the
// sentinel of the stage that failed.
func restoredHaltError(h *chunkstore.HaltMark) error {
	sentinel := ErrPackage
	if h.Stage == metrics.StageTranscode {
		sentinel = ErrTranscode
	}
	msg := strings.TrimPrefix(h.Error, sentinel.Error()+": ")
	return fmt.Errorf("%w: %s (before restart)", sentinel, msg)
}
