package frontier

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned by Pop when the queue has no entries.
var ErrEmpty = errors.New("frontier: queue is empty")

// ErrCorruptRecord matches any *CorruptRecordError via errors.Is.
var ErrCorruptRecord = errors.New("frontier: corrupt record")

// ErrAlreadyQueued is returned by Push when the hash is already in a queue.
var ErrAlreadyQueued = errors.New("frontier: url already queued")

// CorruptRecordError reports a persisted record that cannot be turned back
// into an entry. The record has already been removed from its queue.
type CorruptRecordError struct {
	Queue string
	Key   []byte
	Err   error
}

func (e *CorruptRecordError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("corrupt record %x in queue %s", e.Key, e.Queue)
	}
	return fmt.Sprintf("corrupt record %x in queue %s: %v", e.Key, e.Queue, e.Err)
}

// Is lets errors.Is(err, ErrCorruptRecord) match.
func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorruptRecord
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}
