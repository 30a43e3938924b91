package streaming

import (
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
)

// AllDevices subscribes to the samples of every device.
const AllDevices = "*"

// SampleStreamer fans physical samples out to subscribers. Slow
// subscribers lose samples; the sampling loop never waits.
type SampleStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]chan contract.Sample
	bufferSize  int
	dropped     atomic.Uint64
}

var _ contract.SampleSink = (*SampleStreamer)(nil)

func NewSampleStreamer(bufferSize int) *SampleStreamer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &SampleStreamer{
		subscribers: make(map[string][]chan contract.Sample),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel of the named device's samples, or of every
// device for AllDevices.
func (s *SampleStreamer) Subscribe(device string) <-chan contract.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan contract.Sample, s.bufferSize)
	s.subscribers[device] = append(s.subscribers[device], ch)
	return ch
}

func (s *SampleStreamer) Unsubscribe(device string, ch <-chan contract.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[device]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[device] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(s.subscribers[device]) == 0 {
		delete(s.subscribers, device)
	}
}

func (s *SampleStreamer) Emit(sample contract.Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.send(s.subscribers[sample.Device], sample)
	s.send(s.subscribers[AllDevices], sample)
}

func (s *SampleStreamer) send(subs []chan contract.Sample, sample contract.Sample) {
	for _, ch := range subs {
		select {
		case ch <- sample:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped counts samples lost to full subscriber buffers.
func (s *SampleStreamer) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscribers reports how many channels listen to the device.
func (s *SampleStreamer) Subscribers(device string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[device])
}
