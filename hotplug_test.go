package xhci

import (
	"context"
	"testing"

	"github.com/c35s/xhci/regs"
)

func newTestController(t *testing.T, numPorts int) *Controller {
	t.Helper()

	c, err := New(Config{
		Translate:      func(uint64, int) ([]byte, error) { return make([]byte, 4096), nil },
		RaiseInterrupt: func() error { return nil },
		NumPorts:       numPorts,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return c
}

func TestSaveStateMovesEmulatedPortsToVBDPStart(t *testing.T) {
	c := newTestController(t, 4)

	np := &nativePort{path: "1.1", state: VPortEmulated, vport: 3}
	c.nativePorts = append(c.nativePorts, np)
	c.op.portsc[2] = regs.PortSCCCS | regs.PortSCPED | regs.PortSCPP

	c.SaveState()

	if np.state != VPortAssigned {
		t.Fatalf("native port state = %v, want VPortAssigned", np.state)
	}
	if np.vport != 0 {
		t.Fatalf("native port vport = %d, want 0 (cleared on save-state)", np.vport)
	}

	entry := c.findVBDP("1.1", vbdpStart)
	if entry == nil {
		t.Fatal("expected a vbdpStart entry recorded for the emulated port")
	}
	if entry.vport != 3 {
		t.Fatalf("vbdp entry vport = %d, want 3", entry.vport)
	}

	if c.op.portsc[2]&(regs.PortSCCCS|regs.PortSCPED) != 0 {
		t.Fatalf("PORTSC = %#x, want CCS and PED cleared on save-state", c.op.portsc[2])
	}
}

func TestSaveStateIgnoresNonEmulatedPorts(t *testing.T) {
	c := newTestController(t, 4)

	np := &nativePort{path: "1.1", state: VPortConnected, vport: 3}
	c.nativePorts = append(c.nativePorts, np)

	c.SaveState()

	if np.state != VPortConnected {
		t.Fatalf("native port state = %v, want unchanged VPortConnected", np.state)
	}
	if len(c.vbdp) != 0 {
		t.Fatalf("vbdp table len = %d, want 0", len(c.vbdp))
	}
}

func TestServiceVBDPOnceReannouncesConnectedPort(t *testing.T) {
	c := newTestController(t, 4)

	np := &nativePort{path: "1.1", state: VPortConnected, vport: 2}
	c.nativePorts = append(c.nativePorts, np)
	c.vbdp = append(c.vbdp, &vbdpEntry{path: "1.1", vport: 2, state: vbdpEnd})

	// the re-announce is an event-ring event, so RaiseInterrupt is only
	// reached with a live event ring and USBCMD.INTE and IMAN.IE set.
	mem := withBackingMemory(c, 1<<16)
	const erstAddr, eventRingBase = 0x100, 0x1000
	le.PutUint64(mem[erstAddr:erstAddr+8], eventRingBase)
	le.PutUint32(mem[erstAddr+8:erstAddr+12], 16)
	c.rti.erstba = erstAddr
	if err := c.reconfigureEventRing(); err != nil {
		t.Fatalf("reconfigureEventRing: %v", err)
	}
	c.op.usbcmd |= regs.USBCmdINTE
	c.rti.iman |= regs.IMANIE

	var irqs int
	c.cfg.RaiseInterrupt = func() error { irqs++; return nil }

	c.serviceVBDPOnce()

	if len(c.vbdp) != 0 {
		t.Fatalf("vbdp table len = %d, want 0 (entry consumed)", len(c.vbdp))
	}
	if irqs == 0 {
		t.Fatal("expected the re-announce to raise an interrupt")
	}
}

func TestServiceVBDPOnceSkipsDisconnectedPort(t *testing.T) {
	c := newTestController(t, 4)

	np := &nativePort{path: "1.1", state: VPortAssigned, vport: 2}
	c.nativePorts = append(c.nativePorts, np)
	c.vbdp = append(c.vbdp, &vbdpEntry{path: "1.1", vport: 2, state: vbdpEnd})

	var irqs int
	c.cfg.RaiseInterrupt = func() error { irqs++; return nil }

	c.serviceVBDPOnce()

	if len(c.vbdp) != 0 {
		t.Fatalf("vbdp table len = %d, want 0 (entry consumed regardless of outcome)", len(c.vbdp))
	}
	if irqs != 0 {
		t.Fatal("did not expect an interrupt for a port that never reconnected")
	}
}

func TestServiceVBDPOnceIsNoopOnEmptyTable(t *testing.T) {
	c := newTestController(t, 4)
	c.serviceVBDPOnce() // must not panic on an empty vbdp table
}

func TestWakeWorkerCoalescesSignals(t *testing.T) {
	c := newTestController(t, 4)

	c.wakeWorker()
	if !c.semPending {
		t.Fatal("expected semPending after the first wake")
	}

	// A second wake before the worker has drained the first must be a
	// no-op: acquiring twice on a weight-1 semaphore without an
	// intervening release would otherwise block forever.
	c.wakeWorker()

	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestWakeWorkerIsNoopWhenNotPolling(t *testing.T) {
	c := newTestController(t, 4)
	c.polling = false

	c.wakeWorker()
	if c.semPending {
		t.Fatal("expected wakeWorker to be a no-op once polling has stopped")
	}
}
