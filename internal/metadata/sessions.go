package metadata

import "time"

// SessionSummary is one entry of the session listing: the earliest record of
// a session.
type SessionSummary struct {
	SessionID  string    `json:"sessionID"`
	UploadTime time.Time `json:"upload_time"`
}

// ListSessions groups all records by session and returns one summary per
// session, in order of first appearance in the document.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	records, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	return GroupSessions(records), nil
}

// GroupSessions keeps, for each session, the record with the lowest sequence
// number (ties broken by upload time).
func GroupSessions(records []Record) []SessionSummary {
	index := make(map[string]int)
	earliest := make([]Record, 0)
	for _, rec := range records {
		i, seen := index[rec.SessionID]
		if !seen {
			index[rec.SessionID] = len(earliest)
			earliest = append(earliest, rec)
			continue
		}
		cur := earliest[i]
		if rec.SequenceNumber < cur.SequenceNumber ||
			(rec.SequenceNumber == cur.SequenceNumber && rec.UploadTime.Before(cur.UploadTime)) {
			earliest[i] = rec
		}
	}

	out := make([]SessionSummary, 0, len(earliest))
	for _, rec := range earliest {
		out = append(out, SessionSummary{SessionID: rec.SessionID, UploadTime: rec.UploadTime})
	}
	return out
}

// LastSequences returns the highest packaged sequence number per session.
func LastSequences(records []Record) map[string]int64 {
	last := make(map[string]int64)
	for _, rec := range records {
		if rec.SequenceNumber > last[rec.SessionID] {
			last[rec.SessionID] = rec.SequenceNumber
		}
	}
	return last
}
