package history

// Tracker adapts a Store into the two outcomes a finished transfer can
// have. It is the repurposed descendant of the teacher's JobTracker:
// gone is the byte-interval/time-interval checkpointing of
// TrackedWriter, since a SyncJob either finishes or fails atomically -
// there is no resumable partial-progress state to persist mid-transfer.
type Tracker struct {
	store Store
}

// NewTracker wraps store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// RecordSuccess appends a successful-transfer record.
func (t *Tracker) RecordSuccess(pairKey, filename string, bytes int64) error {
	return t.store.Append(Record{
		PairKey:  pairKey,
		Filename: filename,
		Outcome:  OutcomeSuccess,
		Bytes:    bytes,
	})
}

// RecordFailure appends a failed-transfer record.
func (t *Tracker) RecordFailure(pairKey, filename string, bytesSoFar int64, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return t.store.Append(Record{
		PairKey:  pairKey,
		Filename: filename,
		Outcome:  OutcomeFailure,
		Bytes:    bytesSoFar,
		Error:    msg,
	})
}
