package xhci

import "testing"

func TestSlotContextRoundTrip(t *testing.T) {
	want := slotContext{
		routeString:       0x12345,
		rootHubPort:       7,
		maxExitLatency:    0x1234,
		interrupterTarget: 0x2ab,
		deviceAddress:     0x5a,
		slotState:         0x1f,
	}

	buf := make([]byte, contextSize)
	encodeSlotContext(buf, want)

	if got := decodeSlotContext(buf); got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestEndpointContextRoundTrip(t *testing.T) {
	want := endpointContext{
		epState:       3,
		maxPStreams:   9,
		maxPacketSize: 512,
		dequeuePtr:    0x123450,
		dequeueCycle:  true,
	}

	buf := make([]byte, contextSize)
	encodeEndpointContext(buf, want)

	if got := decodeEndpointContext(buf); got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestEndpointContextDequeuePtrIs16ByteAligned(t *testing.T) {
	buf := make([]byte, contextSize)
	encodeEndpointContext(buf, endpointContext{dequeuePtr: 0x1237, dequeueCycle: false})

	got := decodeEndpointContext(buf)
	if got.dequeuePtr != 0x1230 {
		t.Fatalf("dequeuePtr = %#x, want the low 4 bits masked off (0x1230)", got.dequeuePtr)
	}
}

func TestReadInputContextParsesDropAddAndSubcontexts(t *testing.T) {
	mem := make([]byte, 1<<16)
	translate := func(addr uint64, size int) ([]byte, error) { return mem[addr : addr+uint64(size)], nil }

	const base = 0x100

	le.PutUint32(mem[base:base+4], 0x5)   // dropFlags
	le.PutUint32(mem[base+4:base+8], 0x3) // addFlags

	encodeSlotContext(mem[base+contextSize:base+2*contextSize], slotContext{routeString: 1, rootHubPort: 2})
	encodeEndpointContext(mem[base+2*contextSize:base+3*contextSize], endpointContext{maxPacketSize: 64, dequeuePtr: 0x9000, dequeueCycle: true})

	c := newTestController(t, 4)
	c.cfg.Translate = translate

	ic, err := c.readInputContext(base)
	if err != nil {
		t.Fatalf("readInputContext: %v", err)
	}

	if ic.dropFlags != 0x5 {
		t.Fatalf("dropFlags = %#x, want 0x5", ic.dropFlags)
	}
	if ic.addFlags != 0x3 {
		t.Fatalf("addFlags = %#x, want 0x3", ic.addFlags)
	}
	if ic.slot.rootHubPort != 2 {
		t.Fatalf("slot.rootHubPort = %d, want 2", ic.slot.rootHubPort)
	}
	if ic.endpoints[1].maxPacketSize != 64 {
		t.Fatalf("endpoints[1].maxPacketSize = %d, want 64", ic.endpoints[1].maxPacketSize)
	}
	if ic.endpoints[1].dequeuePtr != 0x9000 {
		t.Fatalf("endpoints[1].dequeuePtr = %#x, want 0x9000", ic.endpoints[1].dequeuePtr)
	}
}

func TestResolveDeviceContextDereferencesDCBAAP(t *testing.T) {
	mem := make([]byte, 1<<16)
	c := newTestController(t, 4)
	c.cfg.Translate = func(addr uint64, size int) ([]byte, error) { return mem[addr : addr+uint64(size)], nil }

	const dcbaap = 0x200
	const devCtx = 0x9000

	c.op.dcbaap = dcbaap
	le.PutUint64(mem[dcbaap+8*3:dcbaap+8*3+8], devCtx) // dcba[3]

	got, err := c.resolveDeviceContext(3)
	if err != nil {
		t.Fatalf("resolveDeviceContext: %v", err)
	}
	if got != devCtx {
		t.Fatalf("resolveDeviceContext(3) = %#x, want %#x", got, devCtx)
	}
}

func TestDeviceSlotAndEndpointContextRoundTripThroughController(t *testing.T) {
	mem := make([]byte, 1<<16)
	c := newTestController(t, 4)
	c.cfg.Translate = func(addr uint64, size int) ([]byte, error) { return mem[addr : addr+uint64(size)], nil }

	const devCtx = 0x9000

	if err := c.writeDeviceSlotContext(devCtx, slotContext{rootHubPort: 2, slotState: uint8(SlotAddressed), deviceAddress: 5}); err != nil {
		t.Fatalf("writeDeviceSlotContext: %v", err)
	}

	got, err := c.readDeviceSlotContext(devCtx)
	if err != nil {
		t.Fatalf("readDeviceSlotContext: %v", err)
	}
	if got.slotState != uint8(SlotAddressed) || got.deviceAddress != 5 {
		t.Fatalf("readDeviceSlotContext = %+v, want slotState=%d deviceAddress=5", got, SlotAddressed)
	}

	if err := c.writeDeviceEndpointContext(devCtx, 1, endpointContext{epState: uint8(EndpointRunning), maxPacketSize: 64}); err != nil {
		t.Fatalf("writeDeviceEndpointContext: %v", err)
	}

	gotEP, err := c.readDeviceEndpointContext(devCtx, 1)
	if err != nil {
		t.Fatalf("readDeviceEndpointContext: %v", err)
	}
	if gotEP.epState != uint8(EndpointRunning) || gotEP.maxPacketSize != 64 {
		t.Fatalf("readDeviceEndpointContext = %+v, want epState=%d maxPacketSize=64", gotEP, EndpointRunning)
	}
}
