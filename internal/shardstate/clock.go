package shardstate

import "github.com/mycelian/shardtracker/internal/model"

// NextVersion returns the version a shard carries after one accepted mutation.
func NextVersion(current uint64) uint64 { return current + 1 }

// AcceptIfCurrent is the optimistic-concurrency guard: a write is accepted
// only when it was computed against the stored version.
func AcceptIfCurrent(proposed, stored uint64) bool { return proposed == stored }

// acceptAssignment also lets a scheduler that does not track versions place a
// shard. No other transition takes AnyVersion.
func acceptAssignment(proposed, stored uint64) bool {
	return proposed == model.AnyVersion || AcceptIfCurrent(proposed, stored)
}
