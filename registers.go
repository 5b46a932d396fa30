package xhci

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/c35s/xhci/regs"
)

var le = binary.LittleEndian

// HandleMMIO routes a guest access against the BAR to the capability,
// operational, runtime, doorbell, or extended-capability window it
// falls in, following the same off-relative switch-dispatch bus.go
// uses for its own register file.
func (c *Controller) HandleMMIO(off uint32, data []byte, isWrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off < regs.CapLength:
		if isWrite {
			// capability registers are read-only; discard with a
			// diagnostic rather than fail the access.
			c.cfg.Logger.Warn("discarded write to capability register", "off", off)
			return nil
		}
		return c.readCap(off, data)

	case off < c.layout.DBOff:
		opOff := off - regs.CapLength
		if isWrite {
			return c.writeOp(opOff, data)
		}
		return c.readOp(opOff, data)

	case off < c.layout.RTSOff:
		return c.handleDoorbell(off-c.layout.DBOff, data, isWrite)

	case off < c.layout.ExCapOff:
		rtOff := off - c.layout.RTSOff
		if isWrite {
			return c.writeRuntime(rtOff, data)
		}
		return c.readRuntime(rtOff, data)

	case off < c.layout.RegsEnd:
		if isWrite {
			c.cfg.Logger.Warn("discarded write to extended capability window", "off", off)
			return nil
		}
		return c.readExCap(off-c.layout.ExCapOff, data)

	default:
		return unix.EINVAL
	}
}

func (c *Controller) readCap(off uint32, p []byte) error {
	switch off {
	case regs.OffCapLength:
		le.PutUint32(p, regs.CapLength|(regs.HCIVersion<<16))

	case regs.OffHCSParams1:
		v := uint32(len(c.op.portsc)) << 24
		v |= uint32(regs.MaxIntrs) << 8
		v |= regs.MaxSlots
		le.PutUint32(p, v)

	case regs.OffHCSParams2:
		v := uint32(regs.IST)
		v |= uint32(regs.ERSTMax) << 4
		le.PutUint32(p, v) // no scratchpad buffers: bits 21:31 stay zero

	case regs.OffHCSParams3:
		le.PutUint32(p, 0) // U1/U2 exit latencies not modeled

	case regs.OffHCCParams1:
		v := uint32(regs.NumSecondaryStreams) << regs.HCCParams1NSSShift
		v |= uint32(regs.SPC) << regs.HCCParams1SPCShift
		v |= uint32(regs.MaxPSA) << regs.HCCParams1MaxPSAShift
		v |= (c.layout.ExCapOff / 4) << regs.HCCParams1XECPShift
		le.PutUint32(p, v)

	case regs.OffDBOFF:
		le.PutUint32(p, c.layout.DBOff)

	case regs.OffRTSOFF:
		le.PutUint32(p, c.layout.RTSOff)

	case regs.OffHCCParams2:
		le.PutUint32(p, regs.HCCParams2LEC|regs.HCCParams2U3C)

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

func (c *Controller) readOp(off uint32, p []byte) error {
	switch {
	case off == regs.OpUSBCmd:
		le.PutUint32(p, c.op.usbcmd)

	case off == regs.OpUSBSts:
		le.PutUint32(p, c.op.usbsts)

	case off == regs.OpPageSize:
		le.PutUint32(p, 1) // 4K pages, bit 0

	case off == regs.OpDNCtrl:
		le.PutUint32(p, c.op.dnctrl)

	case off == regs.OpCRCRLo:
		v := uint32(c.op.crcrAddr)
		if c.op.crcrCycle {
			v |= regs.CRCRRCS
		}
		if c.op.crcrRunning {
			v |= regs.CRCRCRR
		}
		le.PutUint32(p, v)

	case off == regs.OpCRCRHi:
		le.PutUint32(p, uint32(c.op.crcrAddr>>32))

	case off == regs.OpDCBAAPLo:
		le.PutUint32(p, uint32(c.op.dcbaap))

	case off == regs.OpDCBAAPHi:
		le.PutUint32(p, uint32(c.op.dcbaap>>32))

	case off == regs.OpConfig:
		le.PutUint32(p, c.op.config)

	case off >= regs.OpPortSetBase:
		return c.readPortSet(off-regs.OpPortSetBase, p)

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

func (c *Controller) readPortSet(off uint32, p []byte) error {
	idx := int(off / regs.PortSetSize)
	reg := off % regs.PortSetSize

	if idx < 0 || idx >= len(c.op.portsc) {
		le.PutUint32(p, 0)
		return nil
	}

	switch reg {
	case 0x0: // PORTSC
		le.PutUint32(p, c.op.portsc[idx])
	default: // PORTPMSC, PORTLI, PORTHLPMC: unimplemented link power management
		le.PutUint32(p, 0)
	}

	return nil
}

func (c *Controller) writeOp(off uint32, p []byte) error {
	v := le.Uint32(p)

	switch {
	case off == regs.OpUSBCmd:
		return c.writeUSBCmd(v)

	case off == regs.OpUSBSts:
		// USBSTS is RW1C: clear the bits the guest set, ignore the rest.
		c.op.usbsts &^= v & (regs.USBStsHSE | regs.USBStsEINT | regs.USBStsPCD | regs.USBStsSRE | regs.USBStsRSS | regs.USBStsSSS)
		return nil

	case off == regs.OpDNCtrl:
		c.op.dnctrl = v
		return nil

	case off == regs.OpCRCRLo:
		if c.op.crcrRunning {
			if v&regs.CRCRCA != 0 {
				c.op.crcrRunning = false
			}
			return nil
		}
		c.op.crcrAddr = (c.op.crcrAddr &^ 0xffffffff) | uint64(v&^0x3f)
		c.op.crcrCycle = v&regs.CRCRRCS != 0
		return nil

	case off == regs.OpCRCRHi:
		if c.op.crcrRunning {
			return nil
		}
		c.op.crcrAddr = (c.op.crcrAddr & 0xffffffff) | (uint64(v) << 32)
		return nil

	case off == regs.OpDCBAAPLo:
		c.op.dcbaap = (c.op.dcbaap &^ 0xffffffff) | uint64(v&^0x3f)
		return nil

	case off == regs.OpDCBAAPHi:
		c.op.dcbaap = (c.op.dcbaap & 0xffffffff) | (uint64(v) << 32)
		return nil

	case off == regs.OpConfig:
		c.op.config = v & 0xff
		return nil

	case off >= regs.OpPortSetBase:
		return c.writePortSet(off-regs.OpPortSetBase, v)

	default:
		return nil
	}
}

func (c *Controller) writePortSet(off uint32, v uint32) error {
	idx := int(off / regs.PortSetSize)
	reg := off % regs.PortSetSize

	if idx < 0 || idx >= len(c.op.portsc) {
		return nil
	}

	if reg == 0x0 {
		c.writePORTSC(idx, v)
	}

	return nil
}

// writeUSBCmd implements the run/stop and HCRST semantics of §4.2: RS
// toggles USBSTS.HCH, HCRST resets the whole register file.
func (c *Controller) writeUSBCmd(v uint32) error {
	prevRS := c.op.usbcmd&regs.USBCmdRS != 0

	if v&regs.USBCmdHCRST != 0 {
		c.resetLocked()
		return nil
	}

	rs := v&regs.USBCmdRS != 0

	// MFINDEX restarts its elapsed-time count on RS 0->1 and holds its
	// value while RS is clear.
	switch {
	case rs && !prevRS:
		c.op.mfindexEpoch = time.Now()
	case !rs && prevRS:
		c.op.mfindexBase = c.mfindex()
	}

	c.op.usbcmd = v &^ regs.USBCmdHCRST

	if rs {
		c.op.usbsts &^= regs.USBStsHCH
	} else if prevRS {
		c.op.usbsts |= regs.USBStsHCH
	}

	if v&regs.USBCmdCSS != 0 {
		c.saveStateLocked()
		c.op.usbsts |= regs.USBStsSSS
	}

	if v&regs.USBCmdCRSResume != 0 {
		c.op.usbsts |= regs.USBStsRSS
	}

	return nil
}

func (c *Controller) handleDoorbell(off uint32, data []byte, isWrite bool) error {
	slot := off / 4

	if !isWrite {
		le.PutUint32(data, 0)
		return nil
	}

	v := le.Uint32(data)
	target := uint8(v & 0xff)
	streamID := uint16(v >> 16)

	c.metrics.DoorbellRung(uint8(slot))

	if slot == 0 {
		c.processCommandRing()
		return nil
	}

	c.processTransferDoorbell(uint8(slot), target, streamID)
	return nil
}

func (c *Controller) readRuntime(off uint32, p []byte) error {
	switch {
	case off == regs.RTMFIndex:
		le.PutUint32(p, c.mfindex())

	case off == regs.RTInterrupter0+regs.IntrIMAN:
		le.PutUint32(p, c.rti.iman)

	case off == regs.RTInterrupter0+regs.IntrIMOD:
		le.PutUint32(p, c.rti.imod)

	case off == regs.RTInterrupter0+regs.IntrERSTSZ:
		le.PutUint32(p, c.rti.erstsz)

	case off == regs.RTInterrupter0+regs.IntrERSTBALo:
		le.PutUint32(p, uint32(c.rti.erstba))

	case off == regs.RTInterrupter0+regs.IntrERSTBAHi:
		le.PutUint32(p, uint32(c.rti.erstba>>32))

	case off == regs.RTInterrupter0+regs.IntrERDPLo:
		le.PutUint32(p, uint32(c.rti.erdp))

	case off == regs.RTInterrupter0+regs.IntrERDPHi:
		le.PutUint32(p, uint32(c.rti.erdp>>32))

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

func (c *Controller) writeRuntime(off uint32, p []byte) error {
	v := le.Uint32(p)

	switch {
	case off == regs.RTInterrupter0+regs.IntrIMAN:
		// IP is RW1C; IE is RW.
		iman := c.rti.iman &^ (v & regs.IMANIP)
		iman = (iman &^ regs.IMANIE) | (v & regs.IMANIE)
		c.rti.iman = iman
		if c.rti.iman&regs.IMANIP == 0 {
			c.op.usbsts &^= regs.USBStsEINT
		}
		return nil

	case off == regs.RTInterrupter0+regs.IntrIMOD:
		c.rti.imod = v
		return nil

	case off == regs.RTInterrupter0+regs.IntrERSTSZ:
		c.rti.erstsz = v & 0xffff
		return c.reconfigureEventRing()

	case off == regs.RTInterrupter0+regs.IntrERSTBALo:
		c.rti.erstba = (c.rti.erstba &^ 0xffffffff) | uint64(v&^0x3f)
		return c.reconfigureEventRing()

	case off == regs.RTInterrupter0+regs.IntrERSTBAHi:
		c.rti.erstba = (c.rti.erstba & 0xffffffff) | (uint64(v) << 32)
		return c.reconfigureEventRing()

	case off == regs.RTInterrupter0+regs.IntrERDPLo:
		c.writeERDP((c.rti.erdp &^ 0xffffffff) | uint64(v))
		return nil

	case off == regs.RTInterrupter0+regs.IntrERDPHi:
		c.writeERDP((c.rti.erdp & 0xffffffff) | (uint64(v) << 32))
		return nil

	default:
		return nil
	}
}

// mfindex derives the free-running microframe counter from wall-clock
// elapsed time since the last USBCMD.RS transition, since this
// emulator does not model a real SOF generator.
func (c *Controller) mfindex() uint32 {
	if c.op.usbcmd&regs.USBCmdRS == 0 {
		return c.op.mfindexBase & regs.MFIndexMask
	}

	elapsed := time.Since(c.op.mfindexEpoch)
	frames := uint32(elapsed.Microseconds() / 125)
	return (c.op.mfindexBase + frames) & regs.MFIndexMask
}

// readExCap serves the USB2/USB3 Supported-Protocol capabilities (and
// an optional vendor DRD capability) described in §6.3. Each is a
// fixed 4-dword block; layout mirrors the port-count split done for
// PORTSC in resetLocked.
func (c *Controller) readExCap(off uint32, p []byte) error {
	numPorts := len(c.op.portsc)
	half := numPorts / 2

	const blockLen = 16 // 4 dwords

	switch {
	case off < blockLen:
		writeSupportedProtocol(p, off, "USB ", 0x0300, 1, half, 0x02)

	case off < 2*blockLen:
		writeSupportedProtocol(p, off-blockLen, "USB ", 0x0200, half+1, half, 0x01)

	case c.cfg.VendorDRD && off < 2*blockLen+12:
		writeVendorDRD(p, off-2*blockLen)

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

func writeSupportedProtocol(p []byte, off uint32, name string, revision uint32, portOffset, portCount int, slotType uint32) {
	switch off {
	case 0x0:
		v := uint32(2) // capability id: supported protocol
		v |= revision << 16
		le.PutUint32(p, v)

	case 0x4:
		var nameWord uint32
		for i := 0; i < 4 && i < len(name); i++ {
			nameWord |= uint32(name[i]) << (8 * i)
		}
		le.PutUint32(p, nameWord)

	case 0x8:
		v := uint32(portOffset)
		v |= uint32(portCount) << 8
		le.PutUint32(p, v)

	case 0xc:
		le.PutUint32(p, slotType&0x1f)

	default:
		le.PutUint32(p, 0)
	}
}

func writeVendorDRD(p []byte, off uint32) {
	switch off {
	case 0x0:
		le.PutUint32(p, 0xc0de0002) // vendor-defined capability id in the high bytes, id=2 low byte
	default:
		le.PutUint32(p, 0)
	}
}
