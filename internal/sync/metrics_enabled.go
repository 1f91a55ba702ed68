//go:build sftp.sync.metrics

package sync

import (
	"sync/atomic"
)

// metrics counts how often Get was served from the pool rather than left to allocate.
type metrics struct {
	hits  atomic.Uint64
	total atomic.Uint64
}

func (m *metrics) hit() {
	m.hits.Add(1)
	m.total.Add(1)
}

func (m *metrics) miss() {
	m.total.Add(1)
}

// Hits returns the number of Get calls served from the pool, and the number of Get calls overall.
func (m *metrics) Hits() (hits, total uint64) {
	return m.hits.Load(), m.total.Load()
}
