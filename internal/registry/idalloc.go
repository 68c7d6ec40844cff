package registry

import "math/rand"

const (
	// MinID and MaxID bound the ids handed to connections.
	MinID int32 = 10000
	MaxID int32 = 16383

	// NoID is the reserved sentinel that is never allocated.
	NoID int32 = 0
)

// IDSpace is the number of distinct ids the allocator can produce.
const IDSpace = int(MaxID-MinID) + 1

// IDAllocator draws connection ids uniformly from [min, max].
// It holds no state of its own; the caller supplies the live set and must
// hold the lock that also guards the subsequent insert.
type IDAllocator struct {
	min, max int32
	intn     func(n int32) int32
}

// NewIDAllocator returns an allocator over [MinID, MaxID].
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{min: MinID, max: MaxID, intn: rand.Int31n}
}

// Allocate redraws until the candidate is neither taken nor NoID.
// The caller guarantees at least one free id exists.
func (a *IDAllocator) Allocate(taken func(int32) bool) int32 {
	id := NoID
	for id == NoID || taken(id) {
		id = a.min + a.intn(a.max-a.min+1)
	}
	return id
}
