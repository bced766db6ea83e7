package tasks

import "github.com/desertthunder/genx/internal/models"

// Verdict is the outcome of comparing an incoming snapshot with the last accepted one.
//
// Every verdict other than Accept drops the snapshot: DropStale for an older
// snapshot, DropDuplicate for a repeat, DropRegression for a status that moves
// backwards and DropTerminal once the task has finished.
type Verdict int

const (
	Accept Verdict = iota
	DropStale
	DropDuplicate
	DropRegression
	DropTerminal
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DropStale:
		return "stale"
	case DropDuplicate:
		return "duplicate"
	case DropRegression:
		return "regression"
	case DropTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Compare decides whether next supersedes last. A nil last accepts anything.
//
// When both snapshots carry updated_at the timestamps order them. Otherwise
// status rank decides, then progress.
func Compare(last *models.GenerationTask, next models.GenerationTask) Verdict {
	if last == nil {
		return Accept
	}
	if last.IsTerminal() {
		return DropTerminal
	}

	lastRank, nextRank := last.Status.Rank(), next.Status.Rank()

	if !last.UpdatedAt.IsZero() && !next.UpdatedAt.IsZero() {
		switch {
		case next.UpdatedAt.Before(last.UpdatedAt.Time):
			return DropStale
		case next.UpdatedAt.Equal(last.UpdatedAt.Time) && next.Status == last.Status:
			return DropDuplicate
		case nextRank < lastRank:
			return DropRegression
		default:
			return Accept
		}
	}

	switch {
	case nextRank < lastRank:
		return DropRegression
	case nextRank > lastRank:
		return Accept
	case next.Progress < last.Progress:
		return DropStale
	case next.Progress == last.Progress && next.Status == last.Status && next.Message == last.Message:
		return DropDuplicate
	default:
		return Accept
	}
}
