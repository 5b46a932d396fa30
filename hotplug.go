package xhci

import (
	"context"

	"github.com/c35s/xhci/regs"
)

// wakeWorker signals the vbdp worker. The caller holds the device-wide
// mutex. It coalesces: a second signal before the worker has woken up
// is a no-op, matching the "single semaphore" design of §4.8.
func (c *Controller) wakeWorker() {
	if c.semPending || !c.polling {
		return
	}

	c.semPending = true
	c.sem.Release(1)
}

// runHotplugWorker is the §4.8 background actor. It blocks on the
// semaphore; each wake it scans the vbdp table for one END entry and,
// if the physical device has reappeared, re-announces its connect to
// the guest.
func (c *Controller) runHotplugWorker() error {
	ctx := context.Background()

	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		c.mu.Lock()
		if !c.polling {
			c.mu.Unlock()
			return nil
		}

		c.semPending = false
		c.serviceVBDPOnce()
		c.mu.Unlock()
	}
}

// serviceVBDPOnce implements one wake of the worker: pick an END
// entry, free it by removing it from the table, and re-announce the
// bound vport if its physical device is currently connected. The
// caller holds the mutex.
func (c *Controller) serviceVBDPOnce() {
	idx := -1
	for i, e := range c.vbdp {
		if e.state == vbdpEnd {
			idx = i
			break
		}
	}

	if idx < 0 {
		return
	}

	entry := c.vbdp[idx]
	c.vbdp = append(c.vbdp[:idx], c.vbdp[idx+1:]...)

	np := c.findNativePort(entry.path)
	if np != nil && np.state == VPortConnected {
		c.raisePortStatusChange(np.vport)
	}
}

// SaveState implements the guest-initiated S3 entry described in §3's
// S3 suspend cache: every VPORT_EMULATED binding is moved to the vbdp
// table in state START, its PORTSC re-initialized, and the port-level
// binding reverts to ASSIGNED.
func (c *Controller) SaveState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveStateLocked()
}

// saveStateLocked is SaveState's body; the caller holds c.mu. Split out
// so writeUSBCmd (already holding the lock via HandleMMIO) can trigger
// an S3 save without recursing on the non-reentrant mutex.
func (c *Controller) saveStateLocked() {
	for _, np := range c.nativePorts {
		if np.state != VPortEmulated {
			continue
		}

		c.vbdp = append(c.vbdp, &vbdpEntry{path: np.path, vport: np.vport, state: vbdpStart})

		if np.vport >= 1 && np.vport <= len(c.op.portsc) {
			idx := np.vport - 1
			speed := regs.SpeedSuper
			if idx >= len(c.op.portsc)/2 {
				speed = regs.SpeedHigh
			}
			c.op.portsc[idx] = regs.PortSCPP | (uint32(speed) << regs.PortSCSpeedShift)
		}

		np.state = VPortAssigned
		np.vport = 0
	}
}
