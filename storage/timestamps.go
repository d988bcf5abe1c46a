package storage

import (
	"time"

	"github.com/poiesic/similarity/core"
)

// Timestamp resolution shared by all backends.
const timestampResolution = time.Microsecond

// Now returns the current UTC time at storage resolution.
func Now() time.Time {
	return time.Now().UTC().Truncate(timestampResolution)
}

// NextModified returns the LastModified value for a ledger replacement at now.
// The result is strictly after both the previous LastModified and
// LastFinetuned, even when the clock did not advance or went backwards.
func NextModified(c *core.Collection, now time.Time) time.Time {
	now = now.UTC().Truncate(timestampResolution)
	floor := c.LastModified
	if c.LastFinetuned != nil && c.LastFinetuned.After(floor) {
		floor = *c.LastFinetuned
	}
	if !now.After(floor) {
		now = floor.Add(timestampResolution)
	}
	return now
}

// FinetunedAt returns the LastFinetuned value for a run published at
// finishedAt. It is never before the collection's LastModified, so a
// published collection is never stale.
func FinetunedAt(c *core.Collection, finishedAt time.Time) time.Time {
	finishedAt = finishedAt.UTC().Truncate(timestampResolution)
	if finishedAt.Before(c.LastModified) {
		return c.LastModified
	}
	return finishedAt
}
