package xhci

import (
	"encoding/binary"

	"github.com/c35s/xhci/regs"
	"github.com/c35s/xhci/trb"
)

// resolveSegment reads the single ERST entry pointed to by ERSTBA and
// returns its (base, size). The core supports exactly one segment
// (§1 Non-goals).
func (c *Controller) resolveSegment() (base uint64, size uint32, err error) {
	if c.rti.erstba == 0 {
		return 0, 0, nil
	}

	win, err := c.cfg.Translate(c.rti.erstba, 16)
	if err != nil {
		return 0, 0, err
	}

	base = binary.LittleEndian.Uint64(win[0:8])
	size = binary.LittleEndian.Uint32(win[8:12]) & 0xffff
	return base, size, nil
}

// reconfigureEventRing re-resolves the ERST entry and rebinds the
// producer to it, called after ERSTBA or ERSTSZ is written.
func (c *Controller) reconfigureEventRing() error {
	base, size, err := c.resolveSegment()
	if err != nil {
		return err
	}

	c.rti.producer.Reconfigure(size,
		func(i int) (trb.TRB, error) {
			return c.readTRBAt(base + uint64(i)*16)
		},
		func(i int, t trb.TRB) error {
			return c.writeTRBAt(base+uint64(i)*16, t)
		},
	)

	return nil
}

func (c *Controller) readTRBAt(gpa uint64) (trb.TRB, error) {
	win, err := c.cfg.Translate(gpa, 16)
	if err != nil {
		return trb.TRB{}, err
	}
	return decodeTRB(win), nil
}

func (c *Controller) writeTRBAt(gpa uint64, t trb.TRB) error {
	win, err := c.cfg.Translate(gpa, 16)
	if err != nil {
		return err
	}
	encodeTRB(win, t)
	return nil
}

func decodeTRB(b []byte) trb.TRB {
	return trb.TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:8]),
		Status:    binary.LittleEndian.Uint32(b[8:12]),
		Control:   binary.LittleEndian.Uint32(b[12:16]),
	}
}

func encodeTRB(b []byte, t trb.TRB) {
	binary.LittleEndian.PutUint64(b[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(b[8:12], t.Status)
	binary.LittleEndian.PutUint32(b[12:16], t.Control)
}

// insertEvent implements the insert_event contract of §4.3. The
// caller already holds the device-wide mutex.
func (c *Controller) insertEvent(t trb.TRB, raiseInterrupt bool) trb.CompletionCode {
	size := c.rti.producer.SizeHint()
	if size == 0 {
		return trb.CodeEventRingFullError
	}

	if c.rti.inFlight >= size {
		return trb.CodeEventRingFullError
	}

	if c.rti.inFlight == size-1 {
		owned, err := c.rti.producer.PeekOwnedByProducer()
		if err != nil {
			c.cfg.Logger.Error("event ring segment unreadable", "err", err)
			return trb.CodeEventRingFullError
		}

		if owned {
			hostCtrl := trb.TRB{}.WithType(trb.TypeHostController).WithCompletionCode(trb.CodeEventRingFullError)
			_ = c.rti.producer.Append(hostCtrl)
			c.rti.inFlight++
			c.metrics.EventRingOverflowed()
			c.assertInterrupt(true)
			return trb.CodeEventRingFullError
		}
	}

	if err := c.rti.producer.Append(t); err != nil {
		c.cfg.Logger.Error("event ring append failed", "err", err)
		return trb.CodeEventRingFullError
	}

	c.rti.inFlight++

	if raiseInterrupt {
		c.assertInterrupt(false)
	}

	return trb.CodeSuccess
}

// assertInterrupt sets ERDP.BUSY, IMAN.IP, and USBSTS.EINT, then
// invokes the platform interrupt hook if enabled. forced bypasses the
// USBCMD.INTE/IMAN.IE gate for the synthetic overflow event, which
// §4.3 step 3 says must force the interrupt on.
func (c *Controller) assertInterrupt(forced bool) {
	c.rti.erdp |= regs.ERDPBusy
	c.rti.iman |= regs.IMANIP
	c.op.usbsts |= regs.USBStsEINT

	enabled := forced || (c.op.usbcmd&regs.USBCmdINTE != 0 && c.rti.iman&regs.IMANIE != 0)
	if !enabled {
		return
	}

	if err := c.cfg.RaiseInterrupt(); err != nil {
		c.cfg.Logger.Error("raise interrupt failed", "err", err)
	}
}

// writeERDP handles a guest write to the interrupter's ERDP register:
// it clears BUSY and IP and recomputes in-flight occupancy from the
// distance between enqueue and the newly-acknowledged dequeue index.
// A pointer outside the event ring segment is not clamped; it leaves
// the in-flight count unchanged.
func (c *Controller) writeERDP(v uint64) {
	c.rti.erdp = v &^ regs.ERDPBusy
	c.rti.iman &^= regs.IMANIP
	c.op.usbsts &^= regs.USBStsEINT

	base, size, err := c.resolveSegment()
	if err != nil || size == 0 {
		return
	}

	ptr := v & regs.ERDPPtrMask
	if ptr < base || ptr >= base+uint64(size)*16 {
		return
	}

	erdpIdx := uint32((ptr - base) / 16)
	enqIdx, _ := c.rti.producer.Enqueue()

	c.rti.inFlight = (enqIdx - erdpIdx + size) % size
}
