package ring

import (
	"testing"

	"github.com/c35s/xhci/trb"
)

func TestConsumerAdvancePlain(t *testing.T) {
	backing := []trb.TRB{
		{Control: uint32(trb.TypeNoopCommand)<<10 | 1},
	}

	c := NewConsumer(func(addr uint64, n int) ([]trb.TRB, error) {
		return backing[addr/16 : addr/16+uint64(n)], nil
	}, 0, true)

	got, ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", got, ok, err)
	}

	c.Advance(got)

	addr, cycle := c.Dequeue()
	if addr != 16 || cycle != true {
		t.Fatalf("Dequeue() = (%d, %v), want (16, true)", addr, cycle)
	}
}

func TestConsumerLinkToggle(t *testing.T) {
	link := trb.TRB{Parameter: 0x1000, Control: 1 << 1}.WithType(trb.TypeLink).WithCycle(true)

	c := NewConsumer(nil, 0, true)
	c.Advance(link)

	addr, cycle := c.Dequeue()
	if addr != 0x1000 {
		t.Fatalf("Dequeue() addr = %#x, want 0x1000", addr)
	}

	if cycle {
		t.Fatalf("Dequeue() cycle = true, want toggled to false")
	}
}

func TestConsumerCycleMismatch(t *testing.T) {
	backing := []trb.TRB{{Control: 0}} // cycle bit clear

	c := NewConsumer(func(addr uint64, n int) ([]trb.TRB, error) {
		return backing[addr/16 : addr/16+uint64(n)], nil
	}, 0, true)

	_, ok, err := c.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	if ok {
		t.Fatalf("Next() ok = true, want false on cycle mismatch")
	}
}

func TestProducerAppendAndWrap(t *testing.T) {
	const size = 4

	seg := make([]trb.TRB, size)

	p := NewProducer(size, func(i int) (trb.TRB, error) {
		return seg[i], nil
	}, func(i int, t trb.TRB) error {
		seg[i] = t
		return nil
	})

	for i := 0; i < size; i++ {
		if err := p.Append(trb.TRB{}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	idx, cycle := p.Enqueue()
	if idx != 0 {
		t.Fatalf("Enqueue index = %d, want wrap to 0", idx)
	}

	if cycle {
		t.Fatalf("producer cycle = true after one full wrap, want false")
	}

	for i := 0; i < size; i++ {
		if seg[i].Cycle() != true {
			t.Errorf("seg[%d].Cycle() = false, want true (first lap)", i)
		}
	}
}

func TestProducerPeekOwnedByProducer(t *testing.T) {
	seg := []trb.TRB{{Control: 1}} // cycle bit set, matches initial producer cycle true

	p := NewProducer(1, func(i int) (trb.TRB, error) {
		return seg[i], nil
	}, func(i int, t trb.TRB) error {
		seg[i] = t
		return nil
	})

	owned, err := p.PeekOwnedByProducer()
	if err != nil {
		t.Fatalf("PeekOwnedByProducer() error = %v", err)
	}

	if !owned {
		t.Fatalf("PeekOwnedByProducer() = false, want true (guest has not consumed slot)")
	}
}
