//go:build !sftp.sync.metrics

package sync

// metrics compiles away to nothing unless the "sftp.sync.metrics" build tag is set.
type metrics struct{}

func (*metrics) hit()  {}
func (*metrics) miss() {}

// Hits reports 0, 0 in builds without the "sftp.sync.metrics" tag.
func (*metrics) Hits() (hits, total uint64) { return 0, 0 }
