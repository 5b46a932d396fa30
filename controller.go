package xhci

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/run"
	"golang.org/x/sync/semaphore"

	"github.com/c35s/xhci/regs"
	"github.com/c35s/xhci/ring"
	"github.com/c35s/xhci/trb"
	"github.com/c35s/xhci/usb"
)

// Config describes a new Controller. There is no flag parsing here by
// design (see the xhci/config package for that): the hosting program
// is expected to construct a Config directly, the way vmm.Config is
// built in the teacher this module is patterned on.
type Config struct {

	// Translate maps a guest-physical address to a host-visible
	// window of at least min(4096, 4096-(gpa mod 4096)) bytes. It is
	// the address-space gateway (§4.1); every ring and context access
	// in the controller goes through it. Failure is not recoverable.
	Translate func(gpa uint64, size int) ([]byte, error)

	// RaiseInterrupt is invoked when the interrupter must signal the
	// guest (MSI preferred; a legacy pin-assert is the caller's
	// fallback if MSI setup failed).
	RaiseInterrupt func() error

	// Logger receives boundary-level diagnostics: controller reset,
	// discarded capability-space writes, backend construction
	// failures. Defaults to slog.Default().
	Logger *slog.Logger

	// NumPorts is the number of root-hub ports, half USB2 and half
	// USB3. Defaults to regs.MaxPorts.
	NumPorts int

	// VendorDRD selects the vendor Dual-Role-Device extended
	// capability profile (§6.3) instead of the default profile.
	VendorDRD bool

	// NewDevice instantiates the device backend for a native port bound
	// by ADDRESS_DEVICE. Defaults to a factory that returns
	// ErrNoDeviceBackend, so every ADDRESS_DEVICE completes with
	// INCOMPATIBLE_DEVICE and logs the failure; a controller can still
	// be constructed and driven before a real backend factory is wired in.
	NewDevice func(NativePortInfo) (usb.Device, error)
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NumPorts == 0 {
		c.NumPorts = regs.MaxPorts
	}
	if c.NewDevice == nil {
		c.NewDevice = func(info NativePortInfo) (usb.Device, error) {
			return nil, fmt.Errorf("%w: %s", ErrNoDeviceBackend, info.Path)
		}
	}
	return c
}

func (c Config) validate() error {
	if c.Translate == nil {
		return fmt.Errorf("%w: Translate is required", ErrConfig)
	}
	if c.RaiseInterrupt == nil {
		return fmt.Errorf("%w: RaiseInterrupt is required", ErrConfig)
	}
	if c.NumPorts <= 0 || c.NumPorts > regs.MaxPorts {
		return fmt.Errorf("%w: NumPorts out of range", ErrConfig)
	}
	return nil
}

// interrupterState is interrupter register set 0 (this controller
// supports exactly one, per HCSPARAMS1.MaxIntrs).
type interrupterState struct {
	iman  uint32
	imod  uint32
	erstsz uint32
	erstba uint64
	erdp   uint64

	producer  *ring.Producer
	inFlight  uint32
}

// operState is the register file's mutable operational-register
// content, everything writeMMIO handlers touch.
type operState struct {
	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	dcbaap uint64

	crcrAddr    uint64
	crcrCycle   bool
	crcrRunning bool

	config uint32 // number of enabled device slots

	portsc []uint32

	mfindexEpoch time.Time
	mfindexBase  uint32
}

// Controller is one emulated xHCI host controller. All of its
// exported methods that model a guest-visible MMIO or doorbell access
// share one device-wide mutex (§5): holding it is the default,
// releasing it is only allowed while waiting on a device backend.
type Controller struct {
	cfg    Config
	layout regs.Layout

	mu  sync.Mutex
	op  operState
	rti interrupterState

	slots [regs.MaxSlots + 1]*Slot // 1-based; index 0 unused

	nativePorts []*nativePort
	vbdp        []*vbdpEntry

	sem        *semaphore.Weighted
	semPending bool
	polling    bool
	stop       chan struct{}
	done       chan struct{}

	metrics Metrics
}

// Metrics receives counters the controller updates as it runs.
// Implementations are expected to be safe for concurrent use; the
// default NopMetrics discards everything. See package xhci/metrics for
// a Prometheus-backed implementation.
type Metrics interface {
	CommandCompleted(code trb.CompletionCode)
	TransferCompleted(code trb.CompletionCode)
	EventRingOverflowed()
	DoorbellRung(slot uint8)
}

type nopMetrics struct{}

func (nopMetrics) CommandCompleted(trb.CompletionCode)  {}
func (nopMetrics) TransferCompleted(trb.CompletionCode) {}
func (nopMetrics) EventRingOverflowed()                 {}
func (nopMetrics) DoorbellRung(uint8)                   {}

// NopMetrics discards every counter update.
var NopMetrics Metrics = nopMetrics{}

// New constructs a Controller from cfg. Configuration errors here are
// fatal: the device never enters the bus (§7).
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		layout:  regs.NewLayout(cfg.NumPorts, exCapLength(cfg.VendorDRD)),
		sem:     semaphore.NewWeighted(1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: NopMetrics,
	}

	for i := 1; i < len(c.slots); i++ {
		c.slots[i] = newSlot(uint8(i))
	}

	c.op.portsc = make([]uint32, cfg.NumPorts)
	c.resetLocked()

	// Start with the semaphore's one unit held, so the worker's first
	// Acquire blocks until wakeWorker posts.
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}

	c.polling = true

	return c, nil
}

// SetMetrics installs a Metrics sink. It must be called before Run.
func (c *Controller) SetMetrics(m Metrics) {
	if m == nil {
		m = NopMetrics
	}
	c.metrics = m
}

// Run starts the hot-plug/S3 worker and blocks until Shutdown is
// called or ctx-like cancellation arrives through the actor group.
// Grounded on the run.Group actor-with-interrupt-func pattern used to
// wire background workers in the ambient stack this module follows.
func (c *Controller) Run() error {
	var g run.Group

	g.Add(func() error {
		return c.runHotplugWorker()
	}, func(error) {
		c.mu.Lock()
		c.polling = false
		c.mu.Unlock()
		c.sem.Release(1)
	})

	g.Add(func() error {
		<-c.stop
		return nil
	}, func(error) {
		close(c.done)
	})

	return g.Run()
}

// Shutdown stops the hot-plug/S3 worker and tears down every slot, per
// §5's cancellation contract.
func (c *Controller) Shutdown() {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].state != SlotDisabled {
			c.teardownSlotLocked(c.slots[i])
		}
	}
}

func exCapLength(vendorDRD bool) uint32 {
	// two Supported-Protocol capabilities (4 dwords each, 32-bit words)
	// plus an optional 3-dword vendor DRD capability.
	const suppProtoWords = 4 * 2
	n := uint32(suppProtoWords) * 4
	if vendorDRD {
		n += 3 * 4
	}
	return n
}

func (c *Controller) resetLocked() {
	c.op.usbcmd = 0
	c.op.usbsts = regs.USBStsHCH
	c.op.dnctrl = 0
	c.op.dcbaap = 0
	c.op.crcrAddr = 0
	c.op.crcrCycle = true
	c.op.crcrRunning = false
	c.op.config = 0
	c.op.mfindexEpoch = time.Now()
	c.op.mfindexBase = 0

	for i := range c.op.portsc {
		speed := regs.SpeedSuper
		if i >= len(c.op.portsc)/2 {
			speed = regs.SpeedHigh
		}
		c.op.portsc[i] = regs.PortSCPP | (uint32(speed) << regs.PortSCSpeedShift)
	}

	c.rti = interrupterState{}
	c.rti.producer = ring.NewProducer(0, func(int) (trb.TRB, error) { return trb.TRB{}, nil }, func(int, trb.TRB) error { return nil })

	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].state != SlotDisabled {
			c.teardownSlotLocked(c.slots[i])
		}
		c.slots[i].reset()
	}
}
