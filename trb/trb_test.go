package trb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCycleRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		cycle bool
	}{
		{"set", true},
		{"clear", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var got TRB
			got = got.WithCycle(c.cycle)
			if got.Cycle() != c.cycle {
				t.Fatalf("Cycle() = %v, want %v", got.Cycle(), c.cycle)
			}
		})
	}
}

func TestTypeRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeLink, TypeNoop, TypeEnableSlot, TypeTransferEvent, TypeHostController} {
		var got TRB
		got = got.WithType(typ)
		if got.Type() != typ {
			t.Errorf("WithType(%v).Type() = %v", typ, got.Type())
		}
	}
}

func TestSlotAndEndpointID(t *testing.T) {
	var got TRB
	got = got.WithSlotID(7).WithEndpointID(3)

	if got.SlotID() != 7 {
		t.Errorf("SlotID() = %d, want 7", got.SlotID())
	}

	if got.EndpointID() != 3 {
		t.Errorf("EndpointID() = %d, want 3", got.EndpointID())
	}
}

func TestCompletionCodeRoundTrip(t *testing.T) {
	var got TRB
	got.Status = 0x1234
	got = got.WithCompletionCode(CodeShortPacket)

	if got.CompletionCode() != CodeShortPacket {
		t.Fatalf("CompletionCode() = %v, want %v", got.CompletionCode(), CodeShortPacket)
	}

	if got.Status&0x00ffffff != 0x1234 {
		t.Fatalf("WithCompletionCode clobbered low status bits: %#x", got.Status)
	}
}

func TestFlagBits(t *testing.T) {
	trb := TRB{Control: iocBit | ispBit | idtBit | tcBit | cycleBit}

	want := TRB{Control: iocBit | ispBit | idtBit | tcBit | cycleBit}
	if diff := cmp.Diff(want, trb); diff != "" {
		t.Fatalf("unexpected TRB (-want +got):\n%s", diff)
	}

	if !trb.IOC() || !trb.ISP() || !trb.IDT() || !trb.TC() || !trb.Cycle() {
		t.Fatalf("flag accessors disagree with constructed control word %#x", trb.Control)
	}
}
