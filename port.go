package xhci

import (
	"strconv"
	"strings"

	"github.com/c35s/xhci/regs"
	"github.com/c35s/xhci/trb"
)

// VPortState is a virtual port's binding state (§3).
type VPortState int

const (
	VPortFree VPortState = iota
	VPortAssigned
	VPortConnected
	VPortEmulated
)

// DeviceKind distinguishes a plain device from an external hub, which
// binds a whole subtree of paths at once.
type DeviceKind int

const (
	DeviceKindPlain DeviceKind = iota
	DeviceKindExternalHub
)

// nativePort is one entry of native_ports[]: a stable physical
// identity mapped to a transient virtual port assignment.
type nativePort struct {
	path  string // encoded "bus.depth.p1.p2..." identity
	state VPortState
	vport int // 1-based virtual port number, 0 if unassigned

	speed        regs.Speed
	vendorID     uint16
	productID    uint16
	kind         DeviceKind
	maxChildren  int
}

// NativePortInfo describes a bound physical device at the point its
// backend is instantiated by ADDRESS_DEVICE, everything a Config.NewDevice
// factory needs to build the right kind of usb.Device.
type NativePortInfo struct {
	Path      string
	Speed     regs.Speed
	VendorID  uint16
	ProductID uint16
	Kind      DeviceKind
}

// vbdpEntry is one S3 suspend-cache record (§3).
type vbdpState int

const (
	vbdpNone vbdpState = iota
	vbdpStart
	vbdpEnd
)

type vbdpEntry struct {
	path  string
	vport int
	state vbdpState
}

// EncodePath renders a (bus, depth, path) USB topology tuple into the
// stable string identity native_ports[] keys on.
func EncodePath(bus, depth int, path []int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(bus))
	for i := 0; i < depth && i < len(path); i++ {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(path[i]))
	}
	return b.String()
}

// Whitelist registers a physical path as eligible for pass-through,
// the FREE → ASSIGNED transition of §3. It is normally driven by the
// xhci/config package's native-port whitelist, not by the guest.
func (c *Controller) Whitelist(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, np := range c.nativePorts {
		if np.path == path {
			return ErrAlreadyBound
		}
	}

	c.nativePorts = append(c.nativePorts, &nativePort{path: path, state: VPortAssigned})
	return nil
}

func (c *Controller) findNativePort(path string) *nativePort {
	for _, np := range c.nativePorts {
		if np.path == path {
			return np
		}
	}
	return nil
}

func (c *Controller) findVBDP(path string, state vbdpState) *vbdpEntry {
	for _, e := range c.vbdp {
		if e.path == path && e.state == state {
			return e
		}
	}
	return nil
}

// half returns the port-number range [lo, hi) (0-based) for the given
// speed, USB3 ports occupying the low half per §3.
func (c *Controller) half(speed regs.Speed) (lo, hi int) {
	mid := len(c.op.portsc) / 2
	if speed == regs.SpeedSuper {
		return 0, mid
	}
	return mid, len(c.op.portsc)
}

func (c *Controller) allocVPort(speed regs.Speed) int {
	lo, hi := c.half(speed)
	for i := lo; i < hi; i++ {
		taken := false
		for _, np := range c.nativePorts {
			if np.vport == i+1 {
				taken = true
				break
			}
		}
		if !taken {
			return i + 1
		}
	}
	return 0
}

// Connect implements the connect(path, speed, vid, pid, type)
// operation of §4.7. It is invoked by the host-side hot-plug monitor,
// an external collaborator this package only consumes callbacks from.
func (c *Controller) Connect(path string, speed regs.Speed, vid, pid uint16, kind DeviceKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == DeviceKindExternalHub {
		np := c.findNativePort(path)
		if np == nil {
			return ErrNoSuchPort
		}
		np.kind = DeviceKindExternalHub
		for i := 1; i <= 32; i++ {
			child := path + "." + strconv.Itoa(i)
			if c.findNativePort(child) == nil {
				c.nativePorts = append(c.nativePorts, &nativePort{path: child, state: VPortAssigned})
			}
		}
		return nil
	}

	np := c.findNativePort(path)
	if np == nil {
		return ErrNoSuchPort
	}

	np.speed, np.vendorID, np.productID = speed, vid, pid

	if entry := c.findVBDP(path, vbdpStart); entry != nil {
		np.vport = entry.vport
		np.state = VPortConnected
		return nil
	}

	vport := c.allocVPort(speed)
	if vport == 0 {
		return ErrConfig
	}

	np.vport = vport
	np.state = VPortConnected

	idx := vport - 1
	c.op.portsc[idx] = (c.op.portsc[idx] &^ regs.PortSCSpeedMask) |
		regs.PortSCCCS | regs.PortSCPP | regs.PortSCCSC |
		(uint32(speed) << regs.PortSCSpeedShift)

	c.raisePortStatusChange(vport)
	return nil
}

// Disconnect implements the disconnect(path) operation of §4.7.
func (c *Controller) Disconnect(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	np := c.findNativePort(path)
	if np == nil {
		return ErrNoSuchPort
	}

	if np.kind == DeviceKindExternalHub {
		prefix := path + "."
		for _, child := range c.nativePorts {
			if strings.HasPrefix(child.path, prefix) {
				child.state = VPortAssigned
				child.vport = 0
			}
		}
		return nil
	}

	switch {
	case np.state == VPortConnected:
		idx := np.vport - 1
		c.op.portsc[idx] &^= regs.PortSCCCS | regs.PortSCPED
		np.state = VPortAssigned
		np.vport = 0

	case c.findVBDP(np.path, vbdpStart) != nil:
		// suspended: do nothing, the worker will re-announce on resume.

	default:
		idx := np.vport - 1
		c.op.portsc[idx] &^= regs.PortSCCCS | regs.PortSCPED
		c.op.portsc[idx] |= regs.PortSCCSC
		c.op.portsc[idx] = (c.op.portsc[idx] &^ regs.PortSCPLSMask) | (regs.PLSRxDetect << regs.PortSCPLSShift)
		c.raisePortStatusChange(np.vport)
		// slot teardown, if any, is left to the guest's Disable-Slot.
	}

	return nil
}

// ResetPort implements the reset(vport, warm) operation of §4.7.
func (c *Controller) ResetPort(vport int, warm bool) trb.CompletionCode {
	if vport < 1 || vport > len(c.op.portsc) {
		return trb.CodeParameterError
	}

	idx := vport - 1
	speed := regs.Speed((c.op.portsc[idx] & regs.PortSCSpeedMask) >> regs.PortSCSpeedShift)

	c.op.portsc[idx] &^= regs.PortSCPR
	c.op.portsc[idx] = (c.op.portsc[idx] &^ regs.PortSCPLSMask) | (regs.PLSU0 << regs.PortSCPLSShift)
	c.op.portsc[idx] |= regs.PortSCPED
	c.op.portsc[idx] = (c.op.portsc[idx] &^ regs.PortSCSpeedMask) | (uint32(speed) << regs.PortSCSpeedShift)

	if warm && speed == regs.SpeedSuper {
		c.op.portsc[idx] |= regs.PortSCWRC
	}

	c.op.portsc[idx] |= regs.PortSCPRC

	c.raisePortStatusChange(vport)
	return trb.CodeSuccess
}

// raisePortStatusChange emits a PORT_STATUS_CHANGE_EVENT for the given
// 1-based virtual port and asserts the interrupter.
func (c *Controller) raisePortStatusChange(vport int) {
	t := trb.TRB{Parameter: uint64(vport) << 24}.WithType(trb.TypePortStatusChg).WithCompletionCode(trb.CodeSuccess)
	c.insertEvent(t, true)
}

// writePORTSC applies the guest-write semantics of §4.2 to root-hub
// port idx (0-based).
func (c *Controller) writePORTSC(idx int, v uint32) {
	cur := c.op.portsc[idx]

	// write-one-to-clear change bits
	cur &^= v & regs.PortSCChangeMask

	if v&(regs.PortSCPR|regs.PortSCWPR) != 0 {
		warm := v&regs.PortSCWPR != 0
		speed := regs.Speed((cur & regs.PortSCSpeedMask) >> regs.PortSCSpeedShift)
		cur |= regs.PortSCPED | regs.PortSCPRC
		if warm && speed == regs.SpeedSuper {
			cur |= regs.PortSCWRC
		}
		c.op.portsc[idx] = cur
		c.raisePortStatusChange(idx + 1)
		return
	}

	if v&regs.PortSCLWS != 0 {
		reqPLS := (v & regs.PortSCPLSMask) >> regs.PortSCPLSShift
		curPLS := (cur & regs.PortSCPLSMask) >> regs.PortSCPLSShift

		switch reqPLS {
		case regs.PLSU0:
			if curPLS != regs.PLSU0 {
				cur = (cur &^ regs.PortSCPLSMask) | (regs.PLSU0 << regs.PortSCPLSShift) | regs.PortSCPLC
				c.op.portsc[idx] = cur
				c.raisePortStatusChange(idx + 1)
				return
			}
		case regs.PLSU3:
			cur = (cur &^ regs.PortSCPLSMask) | (regs.PLSU3 << regs.PortSCPLSShift)
		}
	}

	c.op.portsc[idx] = cur
}
