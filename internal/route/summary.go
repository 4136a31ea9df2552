package route

import "time"

// Summary describes a finished run.
type Summary struct {
	Rows       int
	Groups     []GroupResult
	Partitions []PartitionResult
}

// GroupResult is the outcome of one group, in first-seen order.
type GroupResult struct {
	Key       string     `json:"key"`
	Partition string     `json:"partition"`
	Path      string     `json:"path"`
	Rows      int        `json:"rows"`
	State     GroupState `json:"state"`
	Err       error      `json:"-"`
}

// PartitionResult is the outcome of one partition cleanup.
type PartitionResult struct {
	Key      string        `json:"key"`
	Prefix   string        `json:"prefix"`
	Deleted  int           `json:"deleted"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// CleanupErrors returns the non-fatal cleanup failures of the run.
func (s Summary) CleanupErrors() []error {
	var errs []error
	for _, p := range s.Partitions {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errs
}

// Committed returns the number of groups whose output was committed.
func (s Summary) Committed() int {
	n := 0
	for _, g := range s.Groups {
		if g.State == StateDone {
			n++
		}
	}
	return n
}

func (r *Router) buildSummary() Summary {
	s := Summary{
		Rows:       r.rows,
		Groups:     make([]GroupResult, 0, len(r.groupOrder)),
		Partitions: make([]PartitionResult, 0, len(r.partitionOrder)),
	}
	for _, g := range r.groupOrder {
		s.Groups = append(s.Groups, GroupResult{
			Key:       g.key,
			Partition: g.partition.key,
			Path:      g.path,
			Rows:      int(g.rows.Load()),
			State:     g.State(),
			Err:       g.err,
		})
	}
	for _, p := range r.partitionOrder {
		s.Partitions = append(s.Partitions, PartitionResult{
			Key:      p.key,
			Prefix:   p.prefix,
			Deleted:  p.deleted,
			Duration: p.elapsed,
			Err:      p.err,
		})
	}
	return s
}
