package evidence

import (
	"fmt"
	"strings"

	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
)

// IntegrityError reports a broken chain, a sequence gap, or a gap in the
// phase sequence of a log.
type IntegrityError struct {
	Key      Key
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("evidence integrity violation in %s: %s", e.Key, strings.Join(e.Problems, "; "))
}

func (e *IntegrityError) FailureClass() failure.Class { return failure.ClassIntegrity }

// Verify checks that records form one contiguous, correctly hashed chain and
// that phase records appear in order without gaps. An empty slice is valid.
func Verify(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	key := records[0].Key()
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	prevHash := ""
	lastPhaseRecord := -1
	highestPhase := phase.ResearchLock
	sealedAt := uint64(0)
	for i, rec := range records {
		want := uint64(i + 1)
		if rec.Key() != key {
			add("record %d belongs to %s", rec.Sequence, rec.Key())
		}
		if rec.Sequence != want {
			add("sequence gap: expected %d, found %d", want, rec.Sequence)
		}
		if rec.PrevHash != prevHash {
			add("record %d does not link to its predecessor", rec.Sequence)
		}
		computed, err := rec.ComputeHash()
		if err != nil {
			add("record %d: %v", rec.Sequence, err)
		} else if computed != rec.Hash {
			add("record %d hash mismatch", rec.Sequence)
		}
		prevHash = rec.Hash

		if sealedAt != 0 {
			add("record %d appended after seal at %d", rec.Sequence, sealedAt)
		}
		if rec.Kind == KindSealed {
			sealedAt = rec.Sequence
		}
		if !rec.Phase.Valid() {
			add("record %d has invalid phase %d", rec.Sequence, rec.Phase)
			continue
		}
		if rec.Phase < highestPhase {
			add("record %d regresses to %s after %s", rec.Sequence, rec.Phase, highestPhase)
		}
		if rec.Phase > highestPhase {
			highestPhase = rec.Phase
		}
		if rec.Kind == KindPhase {
			if int(rec.Phase) != lastPhaseRecord+1 {
				add("phase gap: %s recorded after phase %d", rec.Phase, lastPhaseRecord)
			}
			lastPhaseRecord = int(rec.Phase)
			if rec.ExitedAt.Before(rec.EnteredAt) {
				add("phase %s exits before it is entered", rec.Phase)
			}
		}
	}
	if len(problems) > 0 {
		return &IntegrityError{Key: key, Problems: problems}
	}
	return nil
}

// PhaseRecords returns the phase records in order.
func PhaseRecords(records []Record) []Record {
	var out []Record
	for _, rec := range records {
		if rec.Kind == KindPhase {
			out = append(out, rec)
		}
	}
	return out
}

// Sealed reports whether records end in a seal.
func Sealed(records []Record) bool {
	return len(records) > 0 && records[len(records)-1].Kind == KindSealed
}
