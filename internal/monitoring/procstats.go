package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/erdizz/libmary/internal/informer"
)

// ProcessSample is one point-in-time reading published by ProcessSampler.
type ProcessSample struct {
	CPUPercent    float64
	MemoryRSSByte uint64
	Goroutines    int
	SampledAt     time.Time
}

// ProcessSampler periodically reads process-level resource usage via
// gopsutil and republishes it through an Informer, so any part of the
// demonstration server can subscribe without polling the OS itself.
// Grounded on the reference corpus's own periodic memory/CPU sampling
// goroutine.
type ProcessSampler struct {
	proc     *process.Process
	informer *informer.Informer[func(ProcessSample)]
}

// NewProcessSampler creates a sampler for the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{
		proc:     proc,
		informer: informer.New[func(ProcessSample)](),
	}, nil
}

// Subscribe registers cb to be called with every new sample.
func (s *ProcessSampler) Subscribe(cb func(ProcessSample)) informer.SubscriptionKey[func(ProcessSample)] {
	return s.informer.Subscribe(cb, nil)
}

// Unsubscribe cancels a subscription returned by Subscribe.
func (s *ProcessSampler) Unsubscribe(key informer.SubscriptionKey[func(ProcessSample)]) {
	s.informer.Unsubscribe(key)
}

// Run samples at the given interval until ctx is cancelled. Intended to be
// run in its own goroutine for the lifetime of the demonstration server.
func (s *ProcessSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAndPublish()
		}
	}
}

func (s *ProcessSampler) sampleAndPublish() {
	cpuPct, _ := s.proc.CPUPercent()
	memInfo, err := s.proc.MemoryInfo()

	sample := ProcessSample{
		CPUPercent: cpuPct,
		SampledAt:  time.Now(),
	}
	if err == nil && memInfo != nil {
		sample.MemoryRSSByte = memInfo.RSS
	}

	s.informer.InformAll(func(cb func(ProcessSample)) { cb(sample) })
}
