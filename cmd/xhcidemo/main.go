// Command xhcidemo runs a Controller against an in-process guest-memory
// harness instead of a real VM, wired the way vmm.VM wires its own
// mmio.Bus: a flat byte slice standing in for guest RAM, and a
// RaiseInterrupt callback that does nothing. It exists to
// exercise construction, the native-port whitelist, and the metrics
// endpoint end to end without a hypervisor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/c35s/xhci"
	"github.com/c35s/xhci/config"
	"github.com/c35s/xhci/metrics"
)

func main() {
	if err := run_(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// guestMemory is a flat allocation standing in for a VM's physical
// address space, the same role vm.mem plays for mmioMemAt.
type guestMemory struct {
	buf []byte
}

func (g *guestMemory) translate(addr uint64, size int) ([]byte, error) {
	if addr+uint64(size) > uint64(len(g.buf)) {
		return nil, fmt.Errorf("guest address %#x+%d out of range", addr, size)
	}
	return g.buf[addr : addr+uint64(size)], nil
}

func run_() error {
	fs := flag.NewFlagSet("xhcidemo", flag.ContinueOnError)
	listen := fs.String("listen", ":8080", "address to serve /health and /metrics on")

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowInfo())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	slogLogger := slog.New(slogHandler{logger})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	mem := &guestMemory{buf: make([]byte, 16<<20)}

	ctrl, err := xhci.New(xhci.Config{
		Translate:      mem.translate,
		RaiseInterrupt: func() error { return nil },
		Logger:         slogLogger,
		NumPorts:       cfg.Profile.NumPorts,
		VendorDRD:      cfg.Profile.VendorDRD,
	})
	if err != nil {
		return fmt.Errorf("construct controller: %w", err)
	}

	ctrl.SetMetrics(m)

	for _, np := range cfg.NativePorts {
		if err := ctrl.Whitelist(np.Path); err != nil {
			return fmt.Errorf("whitelist %q: %w", np.Path, err)
		}
	}

	var g run.Group

	g.Add(func() error {
		return ctrl.Run()
	}, func(error) {
		ctrl.Shutdown()
	})

	{
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		l, err := net.Listen("tcp", *listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", *listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)

		g.Add(func() error {
			<-term
			return nil
		}, func(error) {
			signal.Stop(term)
			close(term)
		})
	}

	return g.Run()
}

// slogHandler routes slog records through the go-kit logger the rest
// of the boundary uses, so xhci.Config.Logger and the demo's own
// diagnostics share one sink.
type slogHandler struct {
	logger log.Logger
}

func (h slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h slogHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]interface{}, 0, 2+2*r.NumAttrs())
	kv = append(kv, "level", r.Level.String(), "msg", r.Message)

	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, a.Key, a.Value.Any())
		return true
	})

	return h.logger.Log(kv...)
}

func (h slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kv := make([]interface{}, 0, 2*len(attrs))
	for _, a := range attrs {
		kv = append(kv, a.Key, a.Value.Any())
	}
	return slogHandler{logger: log.With(h.logger, kv...)}
}

func (h slogHandler) WithGroup(name string) slog.Handler {
	return slogHandler{logger: log.With(h.logger, "group", name)}
}
