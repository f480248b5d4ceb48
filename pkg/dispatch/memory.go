package dispatch

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// MemorySampler reads a worker's resident memory for the shrink
// policy. Implementations return 0 when the value is unavailable,
// which degrades the policy to oldest-first.
type MemorySampler interface {
	ResidentBytes(pid int) uint64
}

// ProcfsSampler samples resident memory from /proc
type ProcfsSampler struct {
	fs procfs.FS
}

// NewProcfsSampler creates a sampler over the default /proc mount
func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("procfs unavailable: %w", err)
	}
	return &ProcfsSampler{fs: fs}, nil
}

// ResidentBytes returns the process's RSS, 0 if it cannot be read
func (s *ProcfsSampler) ResidentBytes(pid int) uint64 {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return 0
	}
	stat, err := p.Stat()
	if err != nil {
		return 0
	}
	rss := stat.ResidentMemory()
	if rss < 0 {
		return 0
	}
	return uint64(rss)
}

// nopSampler is the fallback when procfs is unavailable
type nopSampler struct{}

func (nopSampler) ResidentBytes(int) uint64 { return 0 }
