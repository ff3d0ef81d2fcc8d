package campaign

import (
	"errors"
	"fmt"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/store"
)

var (
	// ErrAlreadyExists is returned by Create when a record is already stored.
	ErrAlreadyExists = errors.New("campaign already exists")

	// ErrVersionConflict matches every *VersionConflictError via errors.Is.
	ErrVersionConflict = errors.New("campaign version conflict")

	// ErrInvalidID is returned for empty ids, ids containing a path
	// separator and ids starting with a dot.
	ErrInvalidID = errors.New("invalid campaign id")

	// ErrHistoryRewritten is returned when a save would drop or alter
	// already-recorded generation events.
	ErrHistoryRewritten = errors.New("generation history is append-only")

	// ErrCorrupt wraps decode failures of stored records.
	ErrCorrupt = errors.New("corrupt campaign record")
)

// VersionConflictError reports a save whose expected version is stale. The
// caller must reload and retry.
type VersionConflictError struct {
	CampaignID string
	Expected   int64
	Actual     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("campaign %s: expected version %d, stored version is %d", e.CampaignID, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// IsNotFound reports whether err means the campaign does not exist.
func IsNotFound(err error) bool {
	return store.IsNotFound(err)
}

func notFound(id string) error {
	return &store.ErrNotFound{Entity: "campaign", Key: id}
}
