package route

import (
	"context"
	"path"
	"time"
)

// partition is the memoized cleanup of one partition key. done is closed
// once the cleanup finished, successfully or not; the result fields are
// written before that and read only after.
type partition struct {
	key    string
	prefix string
	done   chan struct{}

	deleted int
	err     error
	elapsed time.Duration
}

func partitionPrefix(root, key string) string {
	return path.Join(root, key) + "/"
}

// startCleanup registers the partition and launches its cleanup. It must
// only be called once per key.
func (r *Router) startCleanup(key string) *partition {
	p := &partition{
		key:    key,
		prefix: partitionPrefix(r.cfg.Prefix, key),
		done:   make(chan struct{}),
	}
	r.partitions[key] = p
	r.partitionOrder = append(r.partitionOrder, p)

	r.cleanups.Add(1)
	go func() {
		defer r.cleanups.Done()
		defer close(p.done)
		r.cleanup(r.ctx, p)
	}()
	return p
}

func (r *Router) cleanup(ctx context.Context, p *partition) {
	start := time.Now()
	log := r.log.With("partition", p.key, "prefix", p.prefix)

	var (
		n   int
		err error
	)
	if p.key == "" {
		err = errEmptyPartition
	} else {
		log.Debug("deleting partition")
		n, err = r.cfg.Cleaner.DeletePartition(ctx, p.prefix)
	}

	p.elapsed = time.Since(start)
	p.deleted = n
	if err != nil {
		p.err = &CleanupError{Partition: p.key, Prefix: p.prefix, Err: err}
		log.Warn("partition cleanup failed, continuing", "error", err)
	} else {
		log.Info("partition cleaned", "deleted", n, "duration", p.elapsed)
	}
	r.obs.PartitionCleaned(n, err, p.elapsed)
}
