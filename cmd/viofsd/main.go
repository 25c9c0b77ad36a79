// Command viofsd runs a virtio-fs volume end to end: an in-memory host
// filesystem behind a loopback virtio-fs device, the guest-side FUSE session
// mounted on top of it, and a gRPC control server for the mounted volume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/viofs/internal/cmdutil"
	"github.com/rfratto/viofs/internal/control"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/client"
	"github.com/rfratto/viofs/internal/fine/memfs"
	"github.com/rfratto/viofs/internal/fine/server"
	"github.com/rfratto/viofs/internal/vfs"
	"github.com/rfratto/viofs/internal/virtio"
	"github.com/rfratto/viofs/internal/virtio/loopback"
)

func main() {
	var (
		cfg        = cmdutil.DefaultConfig
		configFile string
		seedDir    string
		traceFUSE  bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&cfg.LogLevel, "log.level", "Level to display logs at")
	fs.StringVar(&configFile, "config.file", "", "YAML file to read configuration from. Flags override the file.")
	fs.StringVar(&seedDir, "host.seed-dir", "", "Local directory copied into the host filesystem at startup")
	fs.BoolVar(&traceFUSE, "session.trace", false, "Log every FUSE request at debug level")

	fs.StringVar(&cfg.ControlAddr, "control.listen-addr", cfg.ControlAddr, "listen address for the control gRPC server")
	fs.StringVar(&cfg.HTTPAddr, "http.listen-addr", cfg.HTTPAddr, "listen address for metrics and pprof")
	fs.StringVar(&cfg.Device.Tag, "device.tag", cfg.Device.Tag, "Tag of the virtio-fs device, used as the volume label")
	fs.IntVar(&cfg.Device.NumRequestQueues, "device.request-queues", cfg.Device.NumRequestQueues, "Number of request queues")
	fs.IntVar(&cfg.Device.QueueSize, "device.queue-size", cfg.Device.QueueSize, "Descriptors per queue")
	fs.BoolVar(&cfg.Device.Indirect, "device.indirect-descriptors", cfg.Device.Indirect, "Offer indirect descriptor support")
	fs.IntVar(&cfg.Session.MaxSymlinkDepth, "session.max-symlink-depth", cfg.Session.MaxSymlinkDepth, "Symlinks followed while resolving one path")
	fs.StringVar(&cfg.Guest.SID, "guest.sid", cfg.Guest.SID, "Security identifier of the guest user")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if configFile != "" {
		if err := cmdutil.LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %s\n", err.Error())
			os.Exit(1)
		}
		// Parse again so flags take precedence over the file.
		_ = fs.Parse(os.Args[1:])
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %s\n", err.Error())
		os.Exit(1)
	}

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	l = level.NewFilter(l, cfg.LogLevel.FilterOption())
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)

	if err := runDaemon(l, cfg, seedDir, traceFUSE); err != nil {
		level.Error(l).Log("msg", "error running viofsd", "err", err)
		os.Exit(1)
	}
}

// backend answers control requests for the mounted volume.
type backend struct {
	fs *vfs.FileSystem
	t  *virtio.Transport
}

func (b backend) VolumeLabel() string { return b.fs.VolumeLabel() }

func (b backend) SubmitRaw(ctx context.Context, req []byte, respSize int) ([]byte, error) {
	return b.t.SubmitRaw(ctx, req, respSize)
}

func runDaemon(l log.Logger, cfg cmdutil.Config, seedDir string, traceFUSE bool) error {
	host := memfs.New(log.With(l, "component", "host"), memfs.Options{
		UID:           cfg.Guest.UID,
		GID:           cfg.Guest.GID,
		Capacity:      cfg.Host.Capacity,
		RejectRename2: cfg.Host.RejectRename2,
	})
	if seedDir != "" {
		n, err := seedHost(host, seedDir)
		if err != nil {
			return fmt.Errorf("seeding host filesystem: %w", err)
		}
		level.Info(l).Log("msg", "seeded host filesystem", "dir", seedDir, "entries", n)
	}

	srv, err := server.New(log.With(l, "component", "server"), server.Options{Handler: host})
	if err != nil {
		return fmt.Errorf("creating host server: %w", err)
	}
	dev, err := loopback.New(log.With(l, "component", "device"), srv.Serve, cfg.Device)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			level.Warn(l).Log("msg", "device did not shut down cleanly", "err", err)
		}
	}()

	tr, err := virtio.New(log.With(l, "component", "transport"), dev, virtio.Options{
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}

	var mw []fine.Middleware
	if traceFUSE {
		mw = append(mw, fine.NewLoggingMiddleware(l))
	}
	sess, err := client.New(l, tr, client.Options{
		MaxSymlinkDepth: cfg.Session.MaxSymlinkDepth,
		UID:             cfg.Guest.UID,
		GID:             cfg.Guest.GID,
		MaxWrite:        cfg.Session.MaxWrite,
		Middleware:      mw,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	fsys, err := vfs.New(log.With(l, "component", "vfs"), sess, vfs.Options{
		Label: tr.Tag(),
		Guest: cfg.Guest,
	})
	if err != nil {
		return fmt.Errorf("creating filesystem: %w", err)
	}

	var group run.Group

	// Device worker. Unmounting needs the device, so it happens before the
	// device stops.
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			return dev.Run(ctx)
		}, func(_ error) {
			unmountCtx, unmountCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer unmountCancel()
			if err := fsys.Unmount(unmountCtx); err != nil {
				level.Warn(l).Log("msg", "failed to unmount cleanly", "err", err)
			}
			if err := tr.Close(); err != nil {
				level.Warn(l).Log("msg", "failed to close transport", "err", err)
			}
			cancel()
		})
	}

	// Mount worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			if err := fsys.Mount(ctx); err != nil {
				return fmt.Errorf("mounting volume: %w", err)
			}
			<-ctx.Done()
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	// Control server worker
	{
		lis, err := control.Listen(cfg.ControlAddr)
		if err != nil {
			return err
		}
		ctl, err := control.New(log.With(l, "component", "control"), backend{fs: fsys, t: tr}, lis)
		if err != nil {
			return err
		}

		group.Add(func() error {
			return ctl.Start()
		}, func(_ error) {
			ctl.Stop()
		})
	}

	// Information server worker
	{
		lis, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}
