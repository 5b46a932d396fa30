package xhci

import "encoding/binary"

// Device and input contexts are guest-owned memory the controller only
// copies fields in/out of (§4.5); it never allocates them. Contexts
// are the xHCI 1.1 32-byte ("CSZ=0") layout.
const contextSize = 32

// slotContext mirrors the fields of a 32-byte Slot Context this
// controller reads or writes. Fields the spec never exercises
// numerically (Hub, MTT, TTT, ...) are not modeled.
type slotContext struct {
	routeString       uint32
	rootHubPort       int
	maxExitLatency    uint16
	interrupterTarget uint16
	deviceAddress     uint8
	slotState         uint8
}

func decodeSlotContext(b []byte) slotContext {
	d0 := binary.LittleEndian.Uint32(b[0:4])
	d1 := binary.LittleEndian.Uint32(b[4:8])
	d2 := binary.LittleEndian.Uint32(b[8:12])
	d3 := binary.LittleEndian.Uint32(b[12:16])

	return slotContext{
		routeString:       d0 & 0xfffff,
		maxExitLatency:    uint16(d1 & 0xffff),
		rootHubPort:       int((d1 >> 16) & 0xff),
		interrupterTarget: uint16((d2 >> 22) & 0x3ff),
		deviceAddress:     uint8(d3 & 0xff),
		slotState:         uint8((d3 >> 27) & 0x1f),
	}
}

func encodeSlotContext(b []byte, s slotContext) {
	d0 := s.routeString & 0xfffff
	d1 := uint32(s.maxExitLatency) | (uint32(s.rootHubPort&0xff) << 16)
	d2 := uint32(s.interrupterTarget&0x3ff) << 22
	d3 := uint32(s.deviceAddress) | (uint32(s.slotState&0x1f) << 27)

	binary.LittleEndian.PutUint32(b[0:4], d0)
	binary.LittleEndian.PutUint32(b[4:8], d1)
	binary.LittleEndian.PutUint32(b[8:12], d2)
	binary.LittleEndian.PutUint32(b[12:16], d3)
}

// endpointContext mirrors the fields of a 32-byte Endpoint Context
// this controller reads or writes.
type endpointContext struct {
	epState       uint8
	maxPStreams   int
	maxPacketSize int
	dequeuePtr    uint64
	dequeueCycle  bool
}

func decodeEndpointContext(b []byte) endpointContext {
	d0 := binary.LittleEndian.Uint32(b[0:4])
	d1 := binary.LittleEndian.Uint32(b[4:8])
	trDequeue := binary.LittleEndian.Uint64(b[8:16])

	return endpointContext{
		epState:       uint8(d0 & 0x7),
		maxPStreams:   int((d0 >> 10) & 0x1f),
		maxPacketSize: int((d1 >> 16) & 0xffff),
		dequeuePtr:    trDequeue &^ 0xf,
		dequeueCycle:  trDequeue&0x1 != 0,
	}
}

func encodeEndpointContext(b []byte, e endpointContext) {
	d0 := uint32(e.epState&0x7) | (uint32(e.maxPStreams&0x1f) << 10)
	d1 := uint32(e.maxPacketSize&0xffff) << 16

	trDequeue := (e.dequeuePtr &^ 0xf)
	if e.dequeueCycle {
		trDequeue |= 1
	}

	binary.LittleEndian.PutUint32(b[0:4], d0)
	binary.LittleEndian.PutUint32(b[4:8], d1)
	binary.LittleEndian.PutUint64(b[8:16], trDequeue)
}

// inputContext reads the control-context bitmaps (drop/add) plus the
// requested slot and endpoint sub-contexts from a guest input context
// at gpa.
type inputContext struct {
	dropFlags uint32
	addFlags  uint32
	slot      slotContext
	endpoints [32]endpointContext // index 1..31 valid, matching endpoint numbering
}

func (c *Controller) readInputContext(gpa uint64) (inputContext, error) {
	var ic inputContext

	ctrl, err := c.cfg.Translate(gpa, contextSize)
	if err != nil {
		return ic, err
	}

	ic.dropFlags = binary.LittleEndian.Uint32(ctrl[0:4])
	ic.addFlags = binary.LittleEndian.Uint32(ctrl[4:8])

	slotBuf, err := c.cfg.Translate(gpa+contextSize, contextSize)
	if err != nil {
		return ic, err
	}
	ic.slot = decodeSlotContext(slotBuf)

	for i := 1; i <= 31; i++ {
		epBuf, err := c.cfg.Translate(gpa+uint64(1+i)*contextSize, contextSize)
		if err != nil {
			return ic, err
		}
		ic.endpoints[i] = decodeEndpointContext(epBuf)
	}

	return ic, nil
}

func (c *Controller) writeDeviceSlotContext(gpa uint64, s slotContext) error {
	buf, err := c.cfg.Translate(gpa, contextSize)
	if err != nil {
		return err
	}
	encodeSlotContext(buf, s)
	return nil
}

func (c *Controller) writeDeviceEndpointContext(gpa uint64, epID int, e endpointContext) error {
	buf, err := c.cfg.Translate(gpa+uint64(epID)*contextSize, contextSize)
	if err != nil {
		return err
	}
	encodeEndpointContext(buf, e)
	return nil
}

func (c *Controller) readDeviceSlotContext(gpa uint64) (slotContext, error) {
	buf, err := c.cfg.Translate(gpa, contextSize)
	if err != nil {
		return slotContext{}, err
	}
	return decodeSlotContext(buf), nil
}

func (c *Controller) readDeviceEndpointContext(gpa uint64, epID int) (endpointContext, error) {
	buf, err := c.cfg.Translate(gpa+uint64(epID)*contextSize, contextSize)
	if err != nil {
		return endpointContext{}, err
	}
	return decodeEndpointContext(buf), nil
}

// resolveDeviceContext dereferences the Device Context Base Address
// Array (§4.5) at slotID to find the guest physical address of that
// slot's output device context, the location a conformant driver reads
// device and endpoint state back from after ADDRESS_DEVICE,
// CONFIGURE_ENDPOINT, EVALUATE_CONTEXT, and RESET_DEVICE — distinct
// from the input context address those commands carry as a parameter.
func (c *Controller) resolveDeviceContext(slotID uint8) (uint64, error) {
	buf, err := c.cfg.Translate(c.op.dcbaap+uint64(slotID)*8, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}
