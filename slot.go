package xhci

import (
	"github.com/c35s/xhci/ring"
	"github.com/c35s/xhci/usb"
)

// SlotState is a slot's position in the disabled → default → addressed
// → configured lifecycle (§3).
type SlotState int

const (
	SlotDisabled SlotState = iota
	SlotDefault
	SlotAddressed
	SlotConfigured
)

// EndpointState is a per-endpoint lifecycle state (§3).
type EndpointState int

const (
	EndpointDisabled EndpointState = iota
	EndpointRunning
	EndpointHalted
	EndpointStopped
	EndpointError
)

// streamRing is one primary stream's (dequeue, cycle) pair, used only
// when an endpoint has MaxPStreams > 0 (§4.5).
type streamRing struct {
	consumer *ring.Consumer
}

// Endpoint is one of a slot's 31 endpoint records. Endpoint 1 is the
// bidirectional control endpoint; pairs (2k, 2k+1) are OUT/IN of USB
// endpoint k.
type Endpoint struct {
	idHint uint8
	state  EndpointState

	// non-stream case
	consumer *ring.Consumer

	// stream case: keyed on stream id, populated only when
	// maxPStreams > 0.
	streams map[uint16]*streamRing

	maxPStreams int
	maxPacket   int

	// snapshot restored by RESET_EP.
	snapDequeue uint64
	snapCycle   bool

	xfer       *usb.Transfer
	xferMu     chan struct{} // 1-buffered, acts as the per-transfer lock (§5); see lock/unlock
	pendingNAK bool
}

func newEndpoint(id uint8) *Endpoint {
	return &Endpoint{
		idHint: id,
		state:  EndpointDisabled,
		xferMu: make(chan struct{}, 1),
	}
}

// lock and unlock guard a backend dispatch for this endpoint (§5):
// runTransfer holds it around the submitTransfer call, so a
// PORT_MAPPED backend's async goroutine and a subsequent doorbell-
// driven call for the same endpoint never enter the backend at once.
func (e *Endpoint) lock()   { e.xferMu <- struct{}{} }
func (e *Endpoint) unlock() { <-e.xferMu }

// disable releases any backing transfer state and zeroes the record.
// Idempotent, per §4.5.
func (e *Endpoint) disable() {
	e.state = EndpointDisabled
	e.consumer = nil
	e.streams = nil
	e.maxPStreams = 0
	e.maxPacket = 0
	e.xfer = nil
	e.pendingNAK = false
}

// Slot is a 1-based logical USB device attachment. Endpoint index 0 is
// unused; 1..31 are addressed per the pairing rule above.
type Slot struct {
	id    uint8
	state SlotState

	deviceContextAddr uint64
	rootHubPort       int
	routeString       uint32
	maxExitLatency    uint16
	interrupterTarget uint16

	endpoints [32]*Endpoint

	device     usb.Device
	nativePath string // the physical path bound to this slot, "" for a static emulator
}

func newSlot(id uint8) *Slot {
	s := &Slot{id: id, state: SlotDisabled}
	for i := range s.endpoints {
		if i == 0 {
			continue
		}
		s.endpoints[i] = newEndpoint(uint8(i))
	}
	return s
}

func (s *Slot) reset() {
	s.state = SlotDisabled
	s.deviceContextAddr = 0
	s.rootHubPort = 0
	s.routeString = 0
	s.device = nil
	s.nativePath = ""
	for i := 1; i < len(s.endpoints); i++ {
		s.endpoints[i].disable()
	}
}

// endpoint returns the endpoint record for a 1..31 index, or nil if
// out of range.
func (s *Slot) endpoint(id int) *Endpoint {
	if id < 1 || id > 31 {
		return nil
	}
	return s.endpoints[id]
}
