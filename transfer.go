package xhci

import (
	"encoding/binary"

	"github.com/c35s/xhci/trb"
	"github.com/c35s/xhci/usb"
)

// processTransferDoorbell implements the transfer engine's doorbell
// entry point (§4.6). The caller holds the device-wide mutex for the
// duration of this call; runTransfer may hand the actual backend
// dispatch off to a goroutine that runs after this call returns and
// the mutex is released.
func (c *Controller) processTransferDoorbell(slotID, epID uint8, streamID uint16) {
	s := c.slotFor(slotID)
	if s == nil || s.state == SlotDisabled {
		return
	}

	ep := s.endpoint(int(epID))
	if ep == nil || ep.consumer == nil {
		return
	}

	// retry path (§4.6.3): the backend had outstanding NAKed I/O. A
	// STATIC class emulator (§6.4) is fully in-process and never
	// actually blocks, so whatever it needed to do it already did on
	// the first doorbell; retrying it just re-runs the completion
	// routine against the locally buffered blocks instead of calling
	// back into the backend a second time.
	if ep.xfer != nil && ep.pendingNAK {
		ep.state = EndpointRunning
		if s.device != nil && s.device.Kind() == usb.KindStatic {
			c.completeTransfer(s, ep, ep.xfer, usb.StatusNormalCompletion)
		} else {
			c.runTransfer(s, ep, ep.xfer)
		}
		return
	}

	xfer, walkCode := c.walkTransferRing(ep)
	if walkCode != trb.CodeSuccess {
		ep.state = EndpointError
		return
	}

	if xfer.Count == 0 {
		return
	}

	ep.xfer = xfer
	ep.state = EndpointRunning

	c.runTransfer(s, ep, xfer)
}

// runTransfer dispatches xfer to the backend and, once a result is in
// hand, runs the completion routine. Per §5, re-entrant submission
// from the transfer engine to a backend must not block the rest of
// the controller: a PORT_MAPPED backend (one bridging to a real host
// device, per §6.4) may need to touch the network or host USB stack,
// so its call runs on its own goroutine and reports back through
// notifyTransferComplete, the on_notify(xfer) hook of §6.5. A STATIC
// backend is in-process and cheap, so it still completes inline.
//
// ep.lock/unlock (§5's per-endpoint lock) serialize the backend call
// against another runTransfer for the same endpoint, since the
// device-wide mutex no longer covers the backend call once it has been
// handed to a goroutine. notifyTransferComplete does not take this
// lock; it runs under the device-wide mutex.
func (c *Controller) runTransfer(s *Slot, ep *Endpoint, xfer *usb.Transfer) {
	if s.device != nil && s.device.Kind() == usb.KindPortMapped {
		slotID, epID := s.id, ep.id()
		go func() {
			ep.lock()
			status := c.submitTransfer(s, ep, xfer)
			ep.unlock()
			c.notifyTransferComplete(slotID, epID, xfer, status)
		}()
		return
	}

	ep.lock()
	status := c.submitTransfer(s, ep, xfer)
	ep.unlock()

	c.completeTransfer(s, ep, xfer, status)
}

// notifyTransferComplete is the on_notify(xfer) callback of §6.5: a
// PORT_MAPPED backend's transfer finished on its own goroutine, off
// the doorbell caller's stack, and needs the device-wide mutex to
// touch the event ring and endpoint state.
func (c *Controller) notifyTransferComplete(slotID, epID uint8, xfer *usb.Transfer, status usb.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slotFor(slotID)
	if s == nil || s.state == SlotDisabled {
		return
	}

	ep := s.endpoint(int(epID))
	if ep == nil || ep.xfer != xfer {
		// the endpoint was reset or reconfigured while this transfer
		// was in flight; there's nothing left to complete it against.
		return
	}

	c.completeTransfer(s, ep, xfer, status)
}

// walkTransferRing implements §4.6 step 3: it walks TRBs from ep's
// current dequeue pointer until either the cycle bit mismatches or an
// IOC-bearing TRB is found, decomposing each into a usb.Block.
func (c *Controller) walkTransferRing(ep *Endpoint) (*usb.Transfer, trb.CompletionCode) {
	xfer := &usb.Transfer{}

	var haveSetup bool

	for xfer.Count < usb.MaxXferBlocks {
		t, ok, err := ep.consumer.Next()
		if err != nil {
			return xfer, trb.CodeTRBError
		}

		if !ok {
			break
		}

		addr, cycle := ep.consumer.Dequeue()

		switch t.Type() {
		case trb.TypeLink:
			ep.consumer.Advance(t)
			continue

		case trb.TypeSetupStage:
			if !t.IDT() || t.TransferLength() != 8 {
				return xfer, trb.CodeTRBError
			}

			var raw [8]byte
			binary.LittleEndian.PutUint64(raw[:], t.Parameter)
			xfer.Setup = raw
			xfer.HasSetup = true
			haveSetup = true

			xfer.Blocks[xfer.Count] = usb.Block{Status: usb.BlockHandled, TRBAddr: addr, Cycle: cycle}
			xfer.Count++

		case trb.TypeNormal, trb.TypeIsoch, trb.TypeDataStage:
			if t.Type() != trb.TypeDataStage && haveSetup {
				return xfer, trb.CodeTRBError
			}

			length := t.TransferLength()

			buf, err := c.resolveBlockBuffer(t, length)
			if err != nil {
				return xfer, trb.CodeTRBError
			}

			xfer.Blocks[xfer.Count] = usb.Block{
				Data:     buf,
				TRBAddr:  addr,
				Cycle:    cycle,
				StreamID: 0,
				IOC:      t.IOC(),
				ISP:      t.ISP(),
				Status:   usb.BlockFree,
			}
			xfer.Count++

		case trb.TypeStatusStage:
			xfer.Blocks[xfer.Count] = usb.Block{TRBAddr: addr, Cycle: cycle, IOC: t.IOC(), Status: usb.BlockFree}
			xfer.Count++

		case trb.TypeEventData:
			xfer.Blocks[xfer.Count] = usb.Block{
				TRBAddr:   addr,
				Cycle:     cycle,
				IOC:       t.IOC(),
				EventData: true,
				Status:    usb.BlockHandled,
			}
			xfer.Blocks[xfer.Count].BytesDone = 0
			xfer.Count++

		case trb.TypeNoop:
			xfer.Blocks[xfer.Count] = usb.Block{TRBAddr: addr, Cycle: cycle, IOC: t.IOC(), Status: usb.BlockHandled}
			xfer.Count++

		default:
			return xfer, trb.CodeTRBError
		}

		ep.consumer.Advance(t)
		ep.snapDequeue, ep.snapCycle = ep.consumer.Dequeue()

		if t.IOC() {
			break
		}
	}

	return xfer, trb.CodeSuccess
}

func (c *Controller) resolveBlockBuffer(t trb.TRB, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	if t.IDT() {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], t.Parameter)
		buf := make([]byte, length)
		copy(buf, raw[:])
		return buf, nil
	}

	return c.cfg.Translate(t.Parameter, int(length))
}

// submitTransfer dispatches to the device backend's control or data
// hook per §4.6 step 4.
func (c *Controller) submitTransfer(s *Slot, ep *Endpoint, xfer *usb.Transfer) usb.Status {
	if s.device == nil {
		return usb.StatusIOError
	}

	epNum := int(ep.id())
	if epNum == 1 {
		return s.device.Request(xfer)
	}

	dir := usb.DirectionOut
	if epNum%2 == 1 {
		dir = usb.DirectionIn
	}

	return s.device.Data(xfer, dir, epNum/2)
}

// completeTransfer implements the completion routine of §4.6.2.
func (c *Controller) completeTransfer(s *Slot, ep *Endpoint, xfer *usb.Transfer, status usb.Status) {
	code := trb.CodeSuccess
	ep.pendingNAK = false

	switch status {
	case usb.StatusStall:
		code = trb.CodeStallError
		ep.state = EndpointHalted
	case usb.StatusShortXfer:
		code = trb.CodeShortPacket
	case usb.StatusTimeout, usb.StatusIOError:
		code = trb.CodeUSBTransactionError
	case usb.StatusBadBufSize:
		code = trb.CodeBabbleDetected
	case usb.StatusCancelled:
		ep.pendingNAK = true
		return
	case usb.StatusNormalCompletion:
		code = trb.CodeSuccess
	}

	var edtla uint32
	doIntr := false
	head := xfer.Head

	i := head
	for ; i < xfer.Count; i++ {
		b := &xfer.Blocks[i]
		if b.Status == usb.BlockFree && !b.EventData {
			break
		}

		edtla += uint32(b.BytesDone)

		if b.EventData {
			ev := trb.TRB{Parameter: b.TRBAddr}.
				WithType(trb.TypeTransferEvent).
				WithCompletionCode(code).
				WithTransferLength(edtla).
				WithED(true).
				WithSlotID(s.id).
				WithEndpointID(ep.id())
			c.insertEvent(ev, false)
			doIntr = true
			edtla = 0
		} else if b.IOC || (code == trb.CodeShortPacket && b.ISP) {
			// REM is this block's own residual (requested minus
			// transferred), never the cross-block edtla accumulator,
			// which only feeds the EVENT_DATA case above.
			rem := uint32(len(b.Data)) - uint32(b.BytesDone)
			ev := trb.TRB{Parameter: b.TRBAddr}.
				WithType(trb.TypeTransferEvent).
				WithCompletionCode(code).
				WithTransferLength(rem).
				WithSlotID(s.id).
				WithEndpointID(ep.id())
			c.insertEvent(ev, false)
			doIntr = true
		}

		b.Status = usb.BlockFree
	}

	xfer.Head = i
	if xfer.Head >= xfer.Count {
		ep.xfer = nil
	}

	c.metrics.TransferCompleted(code)

	if doIntr {
		c.assertInterrupt(false)
	}
}

func (e *Endpoint) id() uint8 {
	return e.idHint
}
