// Package disturb injects background congestion: an unreliable on/off
// source that sends fixed-size datagrams at a constant rate while on and
// stays silent while off.
package disturb

import (
	"errors"
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/trafgen/rng"
	"github.com/iti/trafgen/workload"
	"go.uber.org/zap"
)

const DefaultPacketSize = 512

// Params describes one disturbance source
type Params struct {
	Name       string
	Rate       float64 // bits/sec while on; 0 disables the source
	PacketSize int     // payload bytes per datagram
	OnTime     Var
	OffTime    Var
	Window     float64 // start is drawn on [1, 1+Window] and floored
	StopAt     float64 // no burst or datagram starts at or after StopAt
	Tag        bool    // tag packets with workload 0 and AppID
	AppID      uint32
}

// DefaultParams gives the always-on source used when only a rate is configured
func DefaultParams() Params {
	return Params{PacketSize: DefaultPacketSize, OnTime: Constant{Value: 1.0}, OffTime: Constant{Value: 0.0}}
}

// Injector is a configured on/off source
type Injector struct {
	Params
	Start float64

	strm     rng.Stream
	sender   workload.Sender
	logger   *zap.Logger
	stopped  bool
	burstEnd float64
	residual float64 // part of a packet interval carried over an off period
	nxtMsg   uint32

	Bursts int
	Pckts  int
	Bytes  int
}

// withDefaults fills unset packet size and on/off durations
func (p Params) withDefaults() Params {
	if p.PacketSize == 0 {
		p.PacketSize = DefaultPacketSize
	}
	if p.OnTime == nil {
		p.OnTime = Constant{Value: 1.0}
	}
	if p.OffTime == nil {
		p.OffTime = Constant{Value: 0.0}
	}
	return p
}

// Validate reports every problem with the parameters. Unset fields take their defaults.
func (p Params) Validate() error {
	p = p.withDefaults()
	errs := []error{}
	if p.Rate < 0 || math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		errs = append(errs, fmt.Errorf("disturbance %s rate %v must be a finite non-negative number", p.Name, p.Rate))
	}
	if p.PacketSize < 0 {
		errs = append(errs, fmt.Errorf("disturbance %s packet size %d must be positive", p.Name, p.PacketSize))
	}
	if !(p.OnTime.Mean() > 0) {
		errs = append(errs, fmt.Errorf("disturbance %s on-time %s must have positive mean", p.Name, p.OnTime))
	}
	if p.OffTime.Mean() < 0 {
		errs = append(errs, fmt.Errorf("disturbance %s off-time %s must not be negative", p.Name, p.OffTime))
	}
	if p.Window < 0 {
		errs = append(errs, fmt.Errorf("disturbance %s start window %v is negative", p.Name, p.Window))
	}
	return errors.Join(errs...)
}

// Configure validates p and returns the injector. A zero rate yields (nil, nil).
func Configure(p Params, strm rng.Stream, sender workload.Sender, logger *zap.Logger) (*Injector, error) {
	if p.Rate == 0 {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	inj := new(Injector)
	inj.Params = p
	inj.strm = strm
	inj.sender = sender
	inj.logger = logger
	inj.Start = workload.StartTime(strm, p.Window)
	return inj, nil
}

// interval is the spacing of datagrams while on
func (inj *Injector) interval() float64 {
	return float64(8*inj.PacketSize) / inj.Rate
}

// Begin schedules the first on period at the injector's start time
func (inj *Injector) Begin(evtMgr *evtm.EventManager) {
	offset := max(inj.Start-evtMgr.CurrentSeconds(), 0.0)
	inj.logger.Info("disturbance scheduled", zap.String("name", inj.Name),
		zap.Float64("rate", inj.Rate), zap.Float64("start", inj.Start),
		zap.Stringer("on", inj.OnTime), zap.Stringer("off", inj.OffTime))
	evtMgr.Schedule(inj, nil, startBurst, vrtime.SecondsToTime(offset))
}

// Stop silences the source for the rest of the run
func (inj *Injector) Stop() {
	inj.stopped = true
}

func startBurst(evtMgr *evtm.EventManager, context any, data any) any {
	inj := context.(*Injector)
	now := evtMgr.CurrentSeconds()
	if inj.stopped || now >= inj.StopAt {
		return nil
	}
	inj.Bursts += 1
	inj.burstEnd = now + max(inj.OnTime.Draw(inj.strm), 0.0)
	wait := inj.residual
	inj.residual = 0
	if now+wait >= inj.burstEnd {
		inj.residual = now + wait - inj.burstEnd
		scheduleOff(evtMgr, inj, inj.burstEnd-now)
		return nil
	}
	evtMgr.Schedule(inj, nil, sendDatagram, vrtime.SecondsToTime(wait))
	return nil
}

func sendDatagram(evtMgr *evtm.EventManager, context any, data any) any {
	inj := context.(*Injector)
	now := evtMgr.CurrentSeconds()
	if inj.stopped || now >= inj.StopAt {
		return nil
	}

	inj.nxtMsg += 1
	inj.sender.SendMessage(evtMgr, inj.nxtMsg, inj.PacketSize)
	inj.Pckts += 1
	inj.Bytes += inj.PacketSize

	nxt := now + inj.interval()
	if nxt >= inj.burstEnd {
		inj.residual = nxt - inj.burstEnd
		scheduleOff(evtMgr, inj, inj.burstEnd-now)
		return nil
	}
	evtMgr.Schedule(inj, nil, sendDatagram, vrtime.SecondsToTime(nxt-now))
	return nil
}

// scheduleOff waits out the rest of the on period plus an off draw, then starts the next burst
func scheduleOff(evtMgr *evtm.EventManager, inj *Injector, untilEnd float64) {
	off := max(inj.OffTime.Draw(inj.strm), 0.0)
	wait := untilEnd + off
	if evtMgr.CurrentSeconds()+wait >= inj.StopAt {
		return
	}
	evtMgr.Schedule(inj, nil, startBurst, vrtime.SecondsToTime(wait))
}
