package usb

import (
	"encoding/binary"
	"sync"
)

// Pointer is a fully-emulated USB HID boot-protocol mouse, the "e.g.,
// a pointer device" static class emulator this controller ships. It
// answers standard control requests from its baked-in descriptor set
// and reports whatever relative motion/button state was last pushed
// to it via Move.
type Pointer struct {
	mu     sync.Mutex
	dx, dy int8
	buttons uint8
	configured bool
}

// NewPointer returns a Pointer ready to be attached to a slot.
func NewPointer() *Pointer {
	return &Pointer{}
}

func (p *Pointer) Kind() Kind { return KindStatic }

func (p *Pointer) Info(topic InfoTopic) int {
	switch topic {
	case InfoSpeed:
		return int(0x03) // report as HS; the slot's bound port ultimately governs PORTSC.Speed
	default:
		return 0
	}
}

func (p *Pointer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dx, p.dy, p.buttons = 0, 0, 0
	p.configured = false
	return nil
}

// Move queues relative motion and a button mask to be reported on the
// next interrupt-IN poll.
func (p *Pointer) Move(dx, dy int8, buttons uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dx, p.dy, p.buttons = dx, dy, buttons
}

var pointerDeviceDescriptor = DeviceDescriptor{
	Length:            18,
	DescriptorType:    DescriptorTypeDevice,
	BCDUSB:            0x0200,
	DeviceClass:       0,
	DeviceSubClass:    0,
	DeviceProtocol:    0,
	MaxPacketSize0:    64,
	VendorID:          0x0627, // qemu vendor id, reused: this is a synthetic device, not a real product
	ProductID:         0x0001,
	BCDDevice:         0x0100,
	ManufacturerIndex: 0,
	ProductIndex:      0,
	SerialNumberIndex: 0,
	NumConfigurations: 1,
}

// Request services the control endpoint. It answers GET_DESCRIPTOR for
// the device descriptor, stalls GET_DESCRIPTOR for any other descriptor
// type (no configuration, string or HID report descriptor is served),
// and treats every other standard request as a no-op success.
func (p *Pointer) Request(x *Transfer) Status {
	if !x.HasSetup {
		return StatusStall
	}

	var setup SetupPacket
	setup.BmRequestType = x.Setup[0]
	setup.BRequest = x.Setup[1]
	setup.WValue = binary.LittleEndian.Uint16(x.Setup[2:4])
	setup.WIndex = binary.LittleEndian.Uint16(x.Setup[4:6])
	setup.WLength = binary.LittleEndian.Uint16(x.Setup[6:8])

	switch setup.BRequest {
	case RequestGetDescriptor:
		descType := uint8(setup.WValue >> 8)
		if descType != DescriptorTypeDevice {
			return StatusStall
		}

		return p.fillDeviceDescriptor(x)

	case RequestSetAddress, RequestSetConfiguration:
		p.mu.Lock()
		p.configured = setup.BRequest == RequestSetConfiguration
		p.mu.Unlock()
		completeBlocks(x)
		return StatusNormalCompletion

	default:
		completeBlocks(x)
		return StatusNormalCompletion
	}
}

// completeBlocks marks every still-claimable block handled, including
// the zero-length status-stage block a control transfer carries after
// its data stage. Leaving a zero-length block at BlockFree stalls the
// transfer forever, since completeTransfer stops walking at the first
// unhandled block.
func completeBlocks(x *Transfer) {
	for i := range x.Blocks[:x.Count] {
		b := &x.Blocks[i]
		if b.Status != BlockFree {
			continue
		}
		b.Status = BlockHandled
	}
}

func (p *Pointer) fillDeviceDescriptor(x *Transfer) Status {
	buf := make([]byte, 18)
	buf[0] = pointerDeviceDescriptor.Length
	buf[1] = pointerDeviceDescriptor.DescriptorType
	binary.LittleEndian.PutUint16(buf[2:4], pointerDeviceDescriptor.BCDUSB)
	buf[4] = pointerDeviceDescriptor.DeviceClass
	buf[5] = pointerDeviceDescriptor.DeviceSubClass
	buf[6] = pointerDeviceDescriptor.DeviceProtocol
	buf[7] = pointerDeviceDescriptor.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], pointerDeviceDescriptor.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], pointerDeviceDescriptor.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], pointerDeviceDescriptor.BCDDevice)
	buf[14] = pointerDeviceDescriptor.ManufacturerIndex
	buf[15] = pointerDeviceDescriptor.ProductIndex
	buf[16] = pointerDeviceDescriptor.SerialNumberIndex
	buf[17] = pointerDeviceDescriptor.NumConfigurations

	for i := range x.Blocks[:x.Count] {
		b := &x.Blocks[i]
		if b.Status != BlockFree {
			continue
		}

		if len(b.Data) > 0 {
			n := copy(b.Data, buf)
			b.BytesDone = n
			buf = buf[n:]
		}

		b.Status = BlockHandled
	}

	return StatusNormalCompletion
}

// Data services the interrupt-IN endpoint with a 4-byte HID boot mouse
// report: buttons, dx, dy, wheel (always 0).
func (p *Pointer) Data(x *Transfer, dir Direction, endpointNumber int) Status {
	if dir != DirectionIn {
		return StatusStall
	}

	p.mu.Lock()
	report := [4]byte{p.buttons, byte(p.dx), byte(p.dy), 0}
	p.dx, p.dy = 0, 0
	p.mu.Unlock()

	for i := range x.Blocks[:x.Count] {
		b := &x.Blocks[i]
		if b.Status != BlockFree {
			continue
		}

		if len(b.Data) > 0 {
			n := copy(b.Data, report[:])
			b.BytesDone = n
		}

		b.Status = BlockHandled
	}

	return StatusNormalCompletion
}

func (p *Pointer) Stop() {}

func (p *Pointer) Close() error { return nil }
