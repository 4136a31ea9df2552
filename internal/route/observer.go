package route

import "time"

// Observer receives router events. Calls come from the routing goroutine
// and from group and cleanup goroutines, so implementations must be safe
// for concurrent use.
type Observer interface {
	RecordRouted()
	GroupOpened()
	GroupFinished(state GroupState, rows int, elapsed time.Duration)
	PartitionCleaned(deleted int, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RecordRouted() {}
func (nopObserver) GroupOpened() {}
func (nopObserver) GroupFinished(GroupState, int, time.Duration) {}
func (nopObserver) PartitionCleaned(int, error, time.Duration) {}
