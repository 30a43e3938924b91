package contract

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/hal"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sample is one sampling instant of one channel in physical units. Values
// is empty when nothing arrived (or, for outputs, no demand was set).
type Sample struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Device     string    `json:"device"`
	Channel    string    `json:"channel"`
	Tick       uint64    `json:"tick"`
	At         time.Time `json:"at"`
	Present    bool      `json:"present"`
	Raw        []float64 `json:"raw,omitempty"`
	Values     []float64 `json:"values,omitempty"`
}

// SampleSink receives physical samples. Emit must not block.
type SampleSink interface {
	Emit(Sample)
}

// Tick is one sampling instant. Skipped counts the instants since the
// previous Tick that passed without being delivered.
type Tick struct {
	At      time.Time
	Skipped int
}

// TickSource produces the sampling instants of one channel.
type TickSource interface {
	Ticks(ctx context.Context, period, phase time.Duration) <-chan Tick
}

// AlignedTicks ticks every period, with tick instants at the even second
// plus phase plus a whole number of periods.
type AlignedTicks struct{}

// NextAligned returns the first sampling instant strictly after now.
func NextAligned(now time.Time, period, phase time.Duration) time.Time {
	const cycle = int64(2 * time.Second)
	ns := now.UnixNano()
	base := ns - ns%cycle + int64(phase)
	if base > ns {
		base -= cycle
	}
	k := (ns-base)/int64(period) + 1
	return time.Unix(0, base+k*int64(period))
}

func (AlignedTicks) Ticks(ctx context.Context, period, phase time.Duration) <-chan Tick {
	out := make(chan Tick, 1)
	go func() {
		defer close(out)

		next := NextAligned(time.Now(), period, phase)
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()

		pending := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			// Instants that passed while the timer fired late.
			late := int(time.Since(next) / period)
			if late < 0 {
				late = 0
			}
			at := next.Add(time.Duration(late) * period)
			select {
			case out <- Tick{At: at, Skipped: pending + late}:
				pending = 0
			default:
				// Sampler still busy with the previous tick
				pending += late + 1
			}
			next = at.Add(period)
			timer.Reset(time.Until(next))
		}
	}()
	return out
}

// demux drains the device subscription at tick time and keeps the latest
// frame per channel.
type demux struct {
	sub      transport.Subscription
	fallback string

	mu     sync.Mutex
	latest map[string]transport.Frame
	closed bool
}

func newDemux(sub transport.Subscription, channels []ChannelSpec) *demux {
	m := &demux{sub: sub, latest: make(map[string]transport.Frame)}
	var inputs []string
	for _, ch := range channels {
		if ch.Direction == hal.Input {
			inputs = append(inputs, ch.Name)
		}
	}
	// Frames without a channel tag belong to a sole input channel.
	if len(inputs) == 1 {
		m.fallback = inputs[0]
	}
	return m
}

// take returns the latest frame of channel received since the last take.
func (m *demux) take(channel string) (transport.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.closed {
		select {
		case f, ok := <-m.sub.Frames():
			if !ok {
				m.closed = true
				continue
			}
			name := f.Channel
			if name == "" {
				name = m.fallback
			}
			if name != "" {
				m.latest[name] = f
			}
			continue
		default:
		}
		break
	}

	f, ok := m.latest[channel]
	delete(m.latest, channel)
	return f, ok
}

type sampler struct {
	device     *Device
	channel    ChannelSpec
	binding    transport.Binding
	demux      *demux
	period     time.Duration
	phase      time.Duration
	maxMissing int
	selectors  []int

	ticks uint64
}

func (s *sampler) run(ctx context.Context, source TickSource) {
	ticks := source.Ticks(ctx, s.period, s.phase)
	for {
		select {
		case <-ctx.Done():
			return
		case tk, ok := <-ticks:
			if !ok {
				return
			}
			s.step(ctx, tk)
		}
	}
}

// due reports whether anything is expected at a sampling instant. An output
// channel owes nothing until its demand is written.
func (s *sampler) due() bool {
	if s.channel.Direction != hal.Output {
		return true
	}
	_, ok := s.device.currentDemand(s.channel.Name)
	return ok
}

// step handles one delivered sampling instant and accounts the skipped ones
// before it as missing.
func (s *sampler) step(ctx context.Context, tk Tick) {
	for i := 0; i < tk.Skipped; i++ {
		s.ticks++
		if _, err := s.device.monitor.Tick(s.channel.Name, !s.due()); err != nil {
			return
		}
	}

	s.ticks++
	now := tk.At
	due := s.due()
	sample := Sample{
		InstanceID: s.device.identity.InstanceID,
		Device:     s.device.identity.Name,
		Channel:    s.channel.Name,
		Tick:       s.ticks,
		At:         now,
	}

	if s.channel.Direction == hal.Output {
		s.publishDemand(ctx, now, &sample)
	} else {
		s.receive(&sample)
	}

	if _, err := s.device.monitor.Tick(s.channel.Name, sample.Present || !due); err != nil {
		// Disarmed by a concurrent STOP.
		return
	}
	if sink := s.device.opts.Sink; sink != nil {
		sink.Emit(sample)
	}
}

func (s *sampler) receive(sample *Sample) {
	if s.demux == nil {
		return
	}
	frame, ok := s.demux.take(s.channel.Name)
	if !ok {
		return
	}

	raw := frame.Values
	if len(s.selectors) > 0 {
		raw = make([]float64, len(s.selectors))
		for i, idx := range s.selectors {
			if idx >= len(frame.Values) {
				s.device.logger.Debug("Frame too short for selectors",
					zap.String("channel", s.channel.Name),
					zap.Int("selector", idx),
					zap.Int("frame_len", len(frame.Values)))
				return
			}
			raw[i] = frame.Values[idx]
		}
	}

	phys, err := s.device.pipeline.ApplyForward(s.channel.Name, raw)
	if err != nil {
		// Malformed frames count as missing.
		s.device.logger.Debug("Dropping sample",
			zap.String("channel", s.channel.Name),
			zap.Error(err))
		return
	}
	sample.Present = true
	sample.Raw = raw
	sample.Values = phys
}

func (s *sampler) publishDemand(ctx context.Context, now time.Time, sample *Sample) {
	dm, ok := s.device.currentDemand(s.channel.Name)
	if !ok {
		return
	}
	frame := transport.Frame{
		Name:    s.binding.Name,
		Channel: s.channel.Name,
		Seq:     s.ticks,
		Stamp:   now.UnixNano(),
		Values:  dm.raw,
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.period)
	defer cancel()
	if err := s.device.opts.Bus.Publish(pubCtx, s.binding, frame); err != nil {
		s.device.logger.Debug("Demand publish failed",
			zap.String("channel", s.channel.Name),
			zap.Error(err))
		return
	}
	sample.Present = true
	sample.Raw = append([]float64(nil), dm.raw...)
	sample.Values = append([]float64(nil), dm.phys...)
}
