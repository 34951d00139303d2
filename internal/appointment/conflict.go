package appointment

import (
	"context"

	"github.com/google/uuid"
)

// ConflictDetector answers whether an active appointment already occupies a slot.
// Its answer is advisory: the store re-validates the slot at commit time.
type ConflictDetector struct {
	repo Store
}

func NewConflictDetector(repo Store) *ConflictDetector {
	return &ConflictDetector{repo: repo}
}

// HasConflict excludes the appointment with id exclude (uuid.Nil for none), so an
// appointment never conflicts with itself when rescheduled.
func (d *ConflictDetector) HasConflict(ctx context.Context, slot Slot, exclude uuid.UUID) (bool, error) {
	n, err := d.repo.CountActiveInSlot(ctx, slot, exclude)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
