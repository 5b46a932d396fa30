// Package xhci implements the host-controller state machine and
// transfer engine of an emulated xHCI USB 3.0 controller: the
// memory-mapped register file, command ring, transfer rings, event
// ring, slot/endpoint lifecycle, and root-hub port management.
//
// The package does not talk to KVM, PCI configuration space, or a real
// USB host controller. It is driven entirely through Config: a
// Translate function that resolves guest-physical addresses, a
// RaiseInterrupt hook, and a set of usb.Device backends bound to
// virtual ports. A hosting VMM supplies all three and routes its MMIO
// and doorbell traps into a Controller.
//
// Command and transfer outcomes are never reported as Go errors; every
// operation that a real xHCI controller would report through a
// completion code returns a trb.CompletionCode by value. Go errors are
// returned for construction-time configuration failures, which are
// fatal and keep the controller off the bus, by the host-side hot-plug
// calls (Whitelist, Connect, Disconnect) for a path they cannot bind or
// find, and by HandleMMIO for an offset past the register file.
package xhci
