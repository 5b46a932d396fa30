package xhci_test

import (
	"testing"

	"github.com/c35s/xhci/regs"
	"github.com/c35s/xhci/trb"
)

func TestEventRingFullDropsCommandCompletionSilently(t *testing.T) {
	h := newHarness(t, 4)

	const (
		eventRingBase = 0x1000
		cmdRingBase   = 0x2000
	)

	h.setupEventRing(eventRingBase, 2)
	h.setupCommandRing(cmdRingBase)

	cycle := true
	for i := 0; i < 3; i++ {
		enable := trb.TRB{}.WithType(trb.TypeEnableSlot).WithCycle(cycle)
		h.writeTRB(cmdRingBase, enable)
		link := trb.TRB{Parameter: cmdRingBase, Control: 1 << 1}.WithType(trb.TypeLink).WithCycle(cycle)
		h.writeTRB(cmdRingBase+16, link)
		h.ringDoorbell(0)
		cycle = !cycle
	}

	first := h.readTRB(eventRingBase)
	if first.CompletionCode() != trb.CodeSuccess || first.SlotID() != 1 {
		t.Fatalf("first event = (code %v, slot %d), want (SUCCESS, 1)", first.CompletionCode(), first.SlotID())
	}

	second := h.readTRB(eventRingBase + 16)
	if second.CompletionCode() != trb.CodeSuccess || second.SlotID() != 2 {
		t.Fatalf("second event = (code %v, slot %d), want (SUCCESS, 2)", second.CompletionCode(), second.SlotID())
	}

	// the third command's completion event has nowhere to go once the
	// ring is full: it must be dropped rather than corrupt the first
	// two entries the guest hasn't read yet.
	if got := h.readTRB(eventRingBase).SlotID(); got != 1 {
		t.Fatalf("first event slot id changed to %d after the ring overflowed", got)
	}
}

func TestERDPWriteFreesEventRingCapacity(t *testing.T) {
	h := newHarness(t, 4)

	const (
		eventRingBase = 0x1000
		cmdRingBase   = 0x2000
	)

	h.setupEventRing(eventRingBase, 2)
	h.setupCommandRing(cmdRingBase)

	cycle := true
	for i := 0; i < 2; i++ {
		enable := trb.TRB{}.WithType(trb.TypeEnableSlot).WithCycle(cycle)
		h.writeTRB(cmdRingBase, enable)
		link := trb.TRB{Parameter: cmdRingBase, Control: 1 << 1}.WithType(trb.TypeLink).WithCycle(cycle)
		h.writeTRB(cmdRingBase+16, link)
		h.ringDoorbell(0)
		cycle = !cycle
	}

	// the ring (size 2) is now full and has wrapped back to its base.
	// telling the controller the guest has read up through the base
	// pointer must free both slots.
	h.mmioWrite32(h.layout.RTSOff+regs.RTInterrupter0+regs.IntrERDPLo, uint32(eventRingBase))
	h.mmioWrite32(h.layout.RTSOff+regs.RTInterrupter0+regs.IntrERDPHi, 0)

	enable := trb.TRB{}.WithType(trb.TypeEnableSlot).WithCycle(cycle)
	h.writeTRB(cmdRingBase, enable)
	link := trb.TRB{Parameter: cmdRingBase, Control: 1 << 1}.WithType(trb.TypeLink).WithCycle(cycle)
	h.writeTRB(cmdRingBase+16, link)
	h.ringDoorbell(0)

	third := h.readTRB(eventRingBase)
	if third.CompletionCode() != trb.CodeSuccess || third.SlotID() != 3 {
		t.Fatalf("third event = (code %v, slot %d), want (SUCCESS, 3)", third.CompletionCode(), third.SlotID())
	}
}
