// Package workload generates application traffic. A Workload is a message
// size distribution, a target rate and a transport; each App is one instance
// of a workload between a sender and a receiver, driven by a Generator.
package workload

import (
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/trafgen/cdf"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/rng"
	"go.uber.org/zap"
)

// Transport selects reliable (TCP-like) or unreliable (UDP-like) delivery
type Transport int

const (
	Reliable Transport = iota
	Unreliable
)

// TransportFromStr maps "tcp"/"reliable" and "udp"/"unreliable" to a Transport
func TransportFromStr(transport string) (Transport, error) {
	switch transport {
	case "tcp", "reliable", "":
		return Reliable, nil
	case "udp", "unreliable":
		return Unreliable, nil
	}
	return Reliable, fmt.Errorf("unknown transport %q", transport)
}

// Protocol is the engine protocol carrying the transport
func (tp Transport) Protocol() netsim.Protocol {
	if tp == Unreliable {
		return netsim.UDP
	}
	return netsim.TCP
}

func (tp Transport) String() string {
	if tp == Unreliable {
		return "udp"
	}
	return "tcp"
}

// Workload is shared, read-only, by every App instantiating it
type Workload struct {
	ID        int
	Name      string
	Dist      *cdf.Distribution
	Rate      float64 // bits/sec per instance
	Transport Transport
}

// Validate rejects workloads that cannot generate traffic. A zero rate is valid.
func (wl *Workload) Validate() error {
	if wl.Dist == nil {
		return fmt.Errorf("workload %d has no size distribution", wl.ID)
	}
	if wl.Rate < 0 || math.IsNaN(wl.Rate) || math.IsInf(wl.Rate, 0) {
		return fmt.Errorf("workload %d rate %v is not a finite non-negative number", wl.ID, wl.Rate)
	}
	return nil
}

// App is one instance of a workload
type App struct {
	WorkloadID int
	AppID      int
	Dst        netsim.Endpoint
	Start      float64
	Stop       float64
}

// StartTime draws a start instant uniformly on [1, 1+window] and floors it to whole seconds
func StartTime(strm rng.Stream, window float64) float64 {
	return math.Floor(rng.Uniform(strm, 1.0, 1.0+window))
}

// Sender accepts application messages; *netsim.Socket satisfies it
type Sender interface {
	SendMessage(evtMgr *evtm.EventManager, msgID uint32, nBytes int) int
}

// Generator emits messages of an App at the workload's rate
type Generator struct {
	Workload *Workload
	App      App

	sizes   *cdf.Sampler
	sender  Sender
	stopped bool
	nxtMsg  uint32
	logger  *zap.Logger

	Msgs  int
	Bytes int
}

// CreateGenerator is a constructor. It returns nil when the workload rate is
// not positive, which disables the instance.
func CreateGenerator(wl *Workload, app App, strm rng.Stream, sender Sender, logger *zap.Logger) *Generator {
	if !(wl.Rate > 0) {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := new(Generator)
	gen.Workload = wl
	gen.App = app
	gen.sizes = cdf.CreateSampler(wl.Dist, strm)
	gen.sender = sender
	gen.logger = logger
	return gen
}

// Start schedules the first message at the App's start time
func (gen *Generator) Start(evtMgr *evtm.EventManager) {
	offset := max(gen.App.Start-evtMgr.CurrentSeconds(), 0.0)
	gen.logger.Debug("application scheduled", zap.Int("workload", gen.App.WorkloadID),
		zap.Int("app", gen.App.AppID), zap.Stringer("dst", gen.App.Dst), zap.Float64("start", gen.App.Start))
	evtMgr.Schedule(gen, nil, sendMessage, vrtime.SecondsToTime(offset))
}

// Stop cancels every later message. Packets already sent are unaffected.
func (gen *Generator) Stop() {
	gen.stopped = true
}

// sendMessage is the self-rescheduling handler that emits one message and
// waits the time that message takes at the target rate
func sendMessage(evtMgr *evtm.EventManager, context any, data any) any {
	gen := context.(*Generator)
	now := evtMgr.CurrentSeconds()
	if gen.stopped || now >= gen.App.Stop {
		return nil
	}

	size := max(int(math.Round(gen.sizes.Next())), 1)
	gen.nxtMsg += 1
	gen.sender.SendMessage(evtMgr, gen.nxtMsg, size)
	gen.Msgs += 1
	gen.Bytes += size

	wait := float64(8*size) / gen.Workload.Rate
	if now+wait >= gen.App.Stop {
		return nil
	}
	evtMgr.Schedule(gen, nil, sendMessage, vrtime.SecondsToTime(wait))
	return nil
}
