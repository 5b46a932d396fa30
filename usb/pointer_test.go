package usb

import "testing"

func TestSetupPacketDirection(t *testing.T) {
	in := SetupPacket{BmRequestType: 0x80}
	if !in.DeviceToHost() {
		t.Errorf("DeviceToHost() = false, want true for BmRequestType 0x80")
	}

	out := SetupPacket{BmRequestType: 0x00}
	if out.DeviceToHost() {
		t.Errorf("DeviceToHost() = true, want false for BmRequestType 0x00")
	}
}

func TestPointerRequestGetDeviceDescriptor(t *testing.T) {
	p := NewPointer()

	buf := make([]byte, 18)
	xfer := &Transfer{
		HasSetup: true,
		Count:    1,
		Blocks: [MaxXferBlocks]Block{
			{Data: buf},
		},
	}
	xfer.Setup[1] = RequestGetDescriptor
	xfer.Setup[3] = DescriptorTypeDevice // WValue high byte

	status := p.Request(xfer)
	if status != StatusNormalCompletion {
		t.Fatalf("Request() = %v, want StatusNormalCompletion", status)
	}

	if buf[1] != DescriptorTypeDevice {
		t.Errorf("descriptor type byte = %d, want %d", buf[1], DescriptorTypeDevice)
	}

	if xfer.Blocks[0].BytesDone != 18 {
		t.Errorf("BytesDone = %d, want 18", xfer.Blocks[0].BytesDone)
	}
}

func TestPointerRequestWithoutSetupStalls(t *testing.T) {
	p := NewPointer()
	if got := p.Request(&Transfer{}); got != StatusStall {
		t.Fatalf("Request() with no setup = %v, want StatusStall", got)
	}
}

func TestPointerDataReportsMotion(t *testing.T) {
	p := NewPointer()
	p.Move(5, -3, 0x01)

	buf := make([]byte, 4)
	xfer := &Transfer{
		Count:  1,
		Blocks: [MaxXferBlocks]Block{{Data: buf}},
	}

	if status := p.Data(xfer, DirectionIn, 1); status != StatusNormalCompletion {
		t.Fatalf("Data() = %v, want StatusNormalCompletion", status)
	}

	if buf[0] != 0x01 || buf[1] != 5 || int8(buf[2]) != -3 {
		t.Fatalf("report = %v, want buttons=1 dx=5 dy=-3", buf)
	}
}

func TestPointerDataRejectsOutDirection(t *testing.T) {
	p := NewPointer()
	if got := p.Data(&Transfer{}, DirectionOut, 1); got != StatusStall {
		t.Fatalf("Data(OUT) = %v, want StatusStall", got)
	}
}

func TestPointerSetConfigurationClearsStatusStageBlock(t *testing.T) {
	p := NewPointer()

	xfer := &Transfer{
		HasSetup: true,
		Count:    1,
		Blocks:   [MaxXferBlocks]Block{{}}, // zero-length STATUS_STAGE block, no Data
	}
	xfer.Setup[1] = RequestSetConfiguration

	if status := p.Request(xfer); status != StatusNormalCompletion {
		t.Fatalf("Request() = %v, want StatusNormalCompletion", status)
	}

	if xfer.Blocks[0].Status != BlockHandled {
		t.Fatalf("STATUS_STAGE block status = %v, want BlockHandled", xfer.Blocks[0].Status)
	}
}
