// Package trb defines the Transfer Request Block, the 16-byte unit
// exchanged on every xHCI ring, along with its type and completion-code
// constants.
package trb

import "fmt"

// TRB is the wire layout of a single ring entry: a 64-bit parameter, a
// 32-bit status, and a 32-bit control word. The low bit of Control is
// the cycle bit.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// control word bit layout
const (
	cycleBit  = 1 << 0
	tcBit     = 1 << 1  // toggle-cycle, LINK only
	ispBit    = 1 << 2  // interrupt-on-short-packet
	idtBit    = 1 << 6  // immediate-data
	iocBit    = 1 << 5  // interrupt-on-completion
	edBit     = 1 << 2  // event-data, EVENT_DATA only (same bit position as ISP, different TRB)
	typeShift = 10
	typeMask  = 0x3f << typeShift
)

// Type returns the TRB type field (bits 10:15 of Control).
func (t TRB) Type() Type {
	return Type((t.Control & typeMask) >> typeShift)
}

// WithType returns a copy of t with its type field set to typ.
func (t TRB) WithType(typ Type) TRB {
	t.Control = (t.Control &^ typeMask) | (uint32(typ) << typeShift)
	return t
}

// Cycle reports the state of the cycle bit.
func (t TRB) Cycle() bool { return t.Control&cycleBit != 0 }

// WithCycle returns a copy of t with its cycle bit set to c.
func (t TRB) WithCycle(c bool) TRB {
	if c {
		t.Control |= cycleBit
	} else {
		t.Control &^= cycleBit
	}
	return t
}

// TC reports the toggle-cycle flag (LINK TRBs only).
func (t TRB) TC() bool { return t.Control&tcBit != 0 }

// IOC reports the interrupt-on-completion flag.
func (t TRB) IOC() bool { return t.Control&iocBit != 0 }

// ISP reports the interrupt-on-short-packet flag.
func (t TRB) ISP() bool { return t.Control&ispBit != 0 }

// IDT reports the immediate-data flag (SETUP_STAGE, NORMAL).
func (t TRB) IDT() bool { return t.Control&idtBit != 0 }

// ED reports the event-data flag (EVENT_DATA TRBs).
func (t TRB) ED() bool { return t.Control&edBit != 0 }

// WithED returns a copy of t with its event-data flag set to ed.
func (t TRB) WithED(ed bool) TRB {
	if ed {
		t.Control |= edBit
	} else {
		t.Control &^= edBit
	}
	return t
}

// SlotID returns the slot id field carried in bits 24:31 of Control,
// used by command and transfer event TRBs.
func (t TRB) SlotID() uint8 { return uint8(t.Control >> 24) }

// WithSlotID returns a copy of t with its slot id field set.
func (t TRB) WithSlotID(slot uint8) TRB {
	t.Control = (t.Control & 0x00ffffff) | (uint32(slot) << 24)
	return t
}

// EndpointID returns the endpoint id field carried in bits 16:20 of
// Control, used by transfer event TRBs.
func (t TRB) EndpointID() uint8 { return uint8((t.Control >> 16) & 0x1f) }

// WithEndpointID returns a copy of t with its endpoint id field set.
func (t TRB) WithEndpointID(ep uint8) TRB {
	t.Control = (t.Control &^ (0x1f << 16)) | (uint32(ep&0x1f) << 16)
	return t
}

// TransferLength returns the transfer-length field (bits 0:16 of
// Status), used by NORMAL, DATA_STAGE, and ISOCH TRBs.
func (t TRB) TransferLength() uint32 { return t.Status & 0x1ffff }

// CompletionCode returns the completion code carried in bits 24:31 of
// Status on event TRBs, or the raw byte on a command/transfer TRB that
// is about to be turned into one.
func (t TRB) CompletionCode() CompletionCode { return CompletionCode(t.Status >> 24) }

// WithCompletionCode returns a copy of t with its completion-code field
// set and the low 24 bits of Status left untouched.
func (t TRB) WithCompletionCode(c CompletionCode) TRB {
	t.Status = (t.Status & 0x00ffffff) | (uint32(c) << 24)
	return t
}

// WithTransferLength returns a copy of t with the low 24 bits of Status
// (the event TRB's transfer-length/EDTLA field) set to n, leaving the
// completion code in the high byte untouched.
func (t TRB) WithTransferLength(n uint32) TRB {
	t.Status = (t.Status & 0xff000000) | (n & 0x00ffffff)
	return t
}

// Type is the TRB type field (Control bits 10:15).
type Type uint8

// Type values from the xHCI 1.1 specification, Table 6-91.
const (
	TypeNormal        Type = 1
	TypeSetupStage    Type = 2
	TypeDataStage     Type = 3
	TypeStatusStage   Type = 4
	TypeIsoch         Type = 5
	TypeLink          Type = 6
	TypeEventData     Type = 7
	TypeNoop          Type = 8
	TypeEnableSlot    Type = 9
	TypeDisableSlot   Type = 10
	TypeAddressDevice Type = 11
	TypeConfigureEP   Type = 12
	TypeEvaluateCtx   Type = 13
	TypeResetEP       Type = 14
	TypeStopEP        Type = 15
	TypeSetTRDequeue  Type = 16
	TypeResetDevice   Type = 17
	TypeForceEvent    Type = 18
	TypeNegotiateBW   Type = 19
	TypeSetLatencyTol Type = 20
	TypeGetPortBW     Type = 21
	TypeForceHeader   Type = 22
	TypeNoopCommand   Type = 23

	TypeTransferEvent   Type = 32
	TypeCommandComplete Type = 33
	TypePortStatusChg   Type = 34
	TypeBandwidthReq    Type = 35
	TypeDoorbellEvent   Type = 36
	TypeHostController  Type = 37
	TypeDeviceNotif     Type = 38
	TypeMFIndexWrap     Type = 39
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "NORMAL"
	case TypeSetupStage:
		return "SETUP_STAGE"
	case TypeDataStage:
		return "DATA_STAGE"
	case TypeStatusStage:
		return "STATUS_STAGE"
	case TypeIsoch:
		return "ISOCH"
	case TypeLink:
		return "LINK"
	case TypeEventData:
		return "EVENT_DATA"
	case TypeNoop:
		return "NOOP"
	case TypeEnableSlot:
		return "ENABLE_SLOT"
	case TypeDisableSlot:
		return "DISABLE_SLOT"
	case TypeAddressDevice:
		return "ADDRESS_DEVICE"
	case TypeConfigureEP:
		return "CONFIGURE_EP"
	case TypeEvaluateCtx:
		return "EVALUATE_CONTEXT"
	case TypeResetEP:
		return "RESET_EP"
	case TypeStopEP:
		return "STOP_EP"
	case TypeSetTRDequeue:
		return "SET_TR_DEQUEUE"
	case TypeResetDevice:
		return "RESET_DEVICE"
	case TypeNoopCommand:
		return "NOOP_CMD"
	case TypeTransferEvent:
		return "TRANSFER_EVENT"
	case TypeCommandComplete:
		return "COMMAND_COMPLETION_EVENT"
	case TypePortStatusChg:
		return "PORT_STATUS_CHANGE_EVENT"
	case TypeHostController:
		return "HOST_CONTROLLER_EVENT"
	default:
		return fmt.Sprintf("TRB_TYPE(%d)", uint8(t))
	}
}

// CompletionCode is the outcome of a command or transfer, carried by
// value in every event TRB. Command and transfer handlers return one
// of these instead of a Go error; see the package doc of xhci for why.
type CompletionCode uint8

// Completion codes from the xHCI 1.1 specification, Table 6-90. Codes
// used by this emulator's taxonomy are named; others exist in the
// standard but are never produced here.
const (
	CodeInvalid CompletionCode = 0

	CodeSuccess             CompletionCode = 1
	CodeDataBufferError     CompletionCode = 2
	CodeBabbleDetected      CompletionCode = 3
	CodeUSBTransactionError CompletionCode = 4
	CodeTRBError            CompletionCode = 5
	CodeStallError          CompletionCode = 6
	CodeResourceError       CompletionCode = 7
	CodeBandwidthError      CompletionCode = 8
	CodeNoSlotsAvailable    CompletionCode = 9
	CodeSlotNotEnabled      CompletionCode = 11
	CodeEndpointNotEnabled  CompletionCode = 12
	CodeShortPacket         CompletionCode = 13
	CodeParameterError      CompletionCode = 17
	CodeContextStateError   CompletionCode = 19
	CodeEventRingFullError  CompletionCode = 21
	CodeIncompatibleDevice  CompletionCode = 22
	CodeCommandRingStopped  CompletionCode = 24
	CodeCommandAborted      CompletionCode = 25
	CodeStopped             CompletionCode = 26
	CodeUndefinedError      CompletionCode = 33
)

func (c CompletionCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeDataBufferError:
		return "DATA_BUFFER_ERROR"
	case CodeBabbleDetected:
		return "BABBLE_DETECTED"
	case CodeUSBTransactionError:
		return "USB_TRANSACTION_ERROR"
	case CodeTRBError:
		return "TRB_ERROR"
	case CodeStallError:
		return "STALL_ERROR"
	case CodeResourceError:
		return "RESOURCE_ERROR"
	case CodeBandwidthError:
		return "BANDWIDTH_ERROR"
	case CodeNoSlotsAvailable:
		return "NO_SLOTS_AVAILABLE"
	case CodeSlotNotEnabled:
		return "SLOT_NOT_ENABLED"
	case CodeEndpointNotEnabled:
		return "ENDPOINT_NOT_ENABLED"
	case CodeShortPacket:
		return "SHORT_PACKET"
	case CodeParameterError:
		return "PARAMETER_ERROR"
	case CodeContextStateError:
		return "CONTEXT_STATE_ERROR"
	case CodeEventRingFullError:
		return "EVENT_RING_FULL_ERROR"
	case CodeIncompatibleDevice:
		return "INCOMPATIBLE_DEVICE"
	case CodeCommandRingStopped:
		return "COMMAND_RING_STOPPED"
	case CodeCommandAborted:
		return "COMMAND_ABORTED"
	case CodeStopped:
		return "STOPPED"
	case CodeUndefinedError:
		return "UNDEFINED_ERROR"
	case CodeInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("COMPLETION_CODE(%d)", uint8(c))
	}
}
