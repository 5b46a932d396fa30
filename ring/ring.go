// Package ring implements the cycle-bit TRB ring shared by the xHCI
// command ring, transfer rings, and event ring. A ring is a contiguous
// array of trb.TRB terminated by a LINK TRB; reader and writer agree on
// ownership of an entry by comparing its cycle bit against the
// reader's local cycle state.
package ring

import "github.com/c35s/xhci/trb"

// Consumer walks a guest-owned ring the emulator reads: the command
// ring and every transfer ring. It holds a deref function, the current
// dequeue address and local cycle bookkeeping; every Next re-resolves
// the backing memory through deref, so the caller does not re-resolve
// it when the guest address changes.
type Consumer struct {
	deref func(gpa uint64, count int) ([]trb.TRB, error)

	addr  uint64
	cycle bool
}

// NewConsumer returns a Consumer that starts reading at addr with the
// given initial cycle state. deref resolves a guest-physical ring
// address to a window of TRBs; it is called once per Next.
func NewConsumer(deref func(gpa uint64, count int) ([]trb.TRB, error), addr uint64, cycle bool) *Consumer {
	return &Consumer{deref: deref, addr: addr, cycle: cycle}
}

// Dequeue returns the consumer's current (address, cycle) pair, the
// pair that uniquely identifies the next TRB the emulator will read.
func (c *Consumer) Dequeue() (addr uint64, cycle bool) {
	return c.addr, c.cycle
}

// SetDequeue overwrites the consumer's position, used by
// SET_TR_DEQUEUE and by RESET_EP's restore-from-snapshot step.
func (c *Consumer) SetDequeue(addr uint64, cycle bool) {
	c.addr, c.cycle = addr, cycle
}

// Next resolves and returns the TRB at the current dequeue pointer if
// it is owned by the reader (its cycle bit matches the local cycle
// state). It does not advance; call Advance once the TRB has been
// consumed. ok is false when the ring is empty from the reader's point
// of view.
func (c *Consumer) Next() (t trb.TRB, ok bool, err error) {
	window, err := c.deref(c.addr, 1)
	if err != nil {
		return trb.TRB{}, false, err
	}

	t = window[0]
	if t.Cycle() != c.cycle {
		return trb.TRB{}, false, nil
	}

	return t, true, nil
}

// Advance moves the dequeue pointer past the given TRB, following a
// LINK TRB (and toggling cycle state if its TC flag is set) instead of
// stopping on it. A LINK TRB's target is taken from t's parameter.
func (c *Consumer) Advance(t trb.TRB) {
	if t.Type() == trb.TypeLink {
		c.addr = t.Parameter &^ 0xf
		if t.TC() {
			c.cycle = !c.cycle
		}
		return
	}

	c.addr += 16
}

// Producer walks a guest-owned ring the emulator writes: the event
// ring. Unlike Consumer it tracks an enqueue index into a fixed-size
// segment (the ERST entry) rather than a raw address, because the
// event ring producer must know when it has wrapped in order to flip
// its own cycle bit and to compute in-flight occupancy.
type Producer struct {
	write func(index int, t trb.TRB) error
	read  func(index int) (trb.TRB, error)

	size  uint32 // segment capacity in TRBs
	enq   uint32 // enqueue index
	cycle bool   // producer cycle state, starts true
}

// NewProducer returns a Producer over a segment of the given capacity.
// write stores a TRB at a segment-relative index; read loads one back
// (used to inspect the slot about to be overwritten when the ring is
// nearly full).
func NewProducer(size uint32, read func(int) (trb.TRB, error), write func(int, trb.TRB) error) *Producer {
	return &Producer{size: size, read: read, write: write, cycle: true}
}

// Enqueue returns the producer's current enqueue index and cycle
// state.
func (p *Producer) Enqueue() (index uint32, cycle bool) {
	return p.enq, p.cycle
}

// SizeHint returns the segment capacity the producer was last
// configured with.
func (p *Producer) SizeHint() uint32 {
	return p.size
}

// Reset reinitializes the producer to an empty segment of the given
// capacity with cycle state true, as happens on a controller reset.
func (p *Producer) Reset(size uint32) {
	p.size = size
	p.enq = 0
	p.cycle = true
}

// Reconfigure rebinds the producer to a possibly-relocated backing
// segment without disturbing its cycle state, used when the guest
// rewrites ERSTBA/ERSTSZ while the segment's logical occupancy must
// survive (the segment's contents are guest memory and outlive the
// rebind). The enqueue index is kept unless it no longer fits the new
// size, in which case it restarts at 0.
func (p *Producer) Reconfigure(size uint32, read func(int) (trb.TRB, error), write func(int, trb.TRB) error) {
	p.size = size
	p.read = read
	p.write = write
	if p.enq >= size {
		p.enq = 0
	}
}

// PeekOwnedByProducer reports whether the TRB currently occupying the
// enqueue slot still carries the producer's cycle bit, meaning the
// guest has not yet consumed it. It is used to detect the one-slot-
// early overflow condition described for insert_event.
func (p *Producer) PeekOwnedByProducer() (bool, error) {
	t, err := p.read(int(p.enq))
	if err != nil {
		return false, err
	}

	return t.Cycle() == p.cycle, nil
}

// Append writes t at the enqueue index with the producer's cycle bit
// stamped in, then advances the enqueue index modulo size, toggling
// the producer cycle bit on wrap.
func (p *Producer) Append(t trb.TRB) error {
	t = t.WithCycle(p.cycle)
	if err := p.write(int(p.enq), t); err != nil {
		return err
	}

	p.enq++
	if p.enq == p.size {
		p.enq = 0
		p.cycle = !p.cycle
	}

	return nil
}
