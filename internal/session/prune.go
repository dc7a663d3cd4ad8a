package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionPolicy controls session cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int `json:"considered"`
	Kept       int `json:"kept"`
	Deleted    int `json:"deleted"`
}

// Prune deletes sessions outside policy. Running and waiting sessions are
// always kept so they stay resumable. With dryRun nothing is deleted.
func (s *SQLStore) Prune(ctx context.Context, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = s.now().UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	sessions, err := s.List(ctx)
	if err != nil {
		return PruneResult{}, err
	}

	res := PruneResult{Considered: len(sessions)}
	for idx, sum := range sessions {
		keep := !sum.Status.IsTerminal()
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 && (sum.CreatedAt.IsZero() || sum.CreatedAt.After(cutoff)) {
			keep = true
		}
		if keep {
			res.Kept++
			continue
		}
		if !dryRun {
			if err := s.Delete(ctx, sum.SessionID); err != nil {
				return res, fmt.Errorf("prune session %s: %w", sum.SessionID, err)
			}
			log.Debug().Str("session_id", sum.SessionID).Str("status", string(sum.Status)).Msg("pruned session")
		}
		res.Deleted++
	}
	return res, nil
}
