package xhci

import "errors"

// Errors returned by New and by the host-side hot-plug calls. Command
// and transfer failures are never Go errors; see the package doc.
var (
	ErrConfig            = errors.New("xhci: invalid config")
	ErrAlreadyBound      = errors.New("xhci: native port already bound")
	ErrNoSuchPort        = errors.New("xhci: no such native port binding")
	ErrShutdown          = errors.New("xhci: controller is shutting down")
	ErrNoDeviceBackend   = errors.New("xhci: no device backend factory configured")
)
