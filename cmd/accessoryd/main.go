// Command accessoryd is the USB gadget control daemon. It registers the
// device as either a CDC ACM serial port or an Android Open Accessory
// function, buffers connection and handshake events, and serves an
// exclusive control session over a unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accessoryd/internal/aoa"
	"accessoryd/internal/config"
	"accessoryd/internal/control"
	"accessoryd/internal/event"
	"accessoryd/internal/gadget"
	"accessoryd/internal/ipc"
	"accessoryd/internal/journal"
	"accessoryd/internal/logging"
	"accessoryd/internal/notify"
)

const version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		socketPath  = flag.String("socket", "", "override the control socket path")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("accessoryd %s\n", version)
		return
	}

	if err := run(*configPath, *socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "accessoryd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, socketOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if socketOverride != "" {
		cfg.Socket.Path = socketOverride
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "accessoryd",
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	logger.Info("starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := event.NewQueue(logger.Component("event"))

	transport, err := gadget.NewConfigFS(
		cfg.Gadget.ConfigFSRoot, cfg.Gadget.Name, cfg.Gadget.UDC,
		logger.Component("configfs"))
	if err != nil {
		return fmt.Errorf("gadget transport: %w", err)
	}

	ctrl := gadget.NewController(transport, gadget.ControllerConfig{
		Product: cfg.Gadget.Product,
		Serial:  cfg.Gadget.Serial,
	}, logger.Component("gadget"))

	session := control.NewSession(queue, ctrl, logger.Component("control"))

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path, logger.Component("journal"))
		if err != nil {
			return err
		}
		defer jrnl.Close()
		logger.Info("audit journal enabled", "path", cfg.Journal.Path)
	}

	var notifier *notify.DBusNotifier
	if cfg.Notify.DBus {
		notifier, err = notify.NewDBus(logger.Component("notify"))
		if err != nil {
			// The bus being unavailable must not keep the gadget down.
			logger.Warn("dbus notifications unavailable", "error", err)
		} else {
			defer notifier.Close()
		}
	}

	handlerCfg := ipc.DaemonHandlerConfig{
		Session: session,
		Ctrl:    ctrl,
		Queue:   queue,
		Version: version,
		UDC:     transport.Name(),
		Logger:  logger.Component("handler"),
	}
	if jrnl != nil {
		handlerCfg.Journal = jrnl
	}
	if notifier != nil {
		handlerCfg.Notifier = notifier
	}
	handler := ipc.NewDaemonHandler(handlerCfg)

	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.Socket.Path,
		Version:    version,
	}, handler, logger.Component("ipc"))
	if err != nil {
		return err
	}
	handler.SetBroadcaster(server.Notify)

	if err := server.Start(); err != nil {
		return err
	}

	// Connection monitor: watches the UDC state file and feeds connect and
	// disconnect records into the queue.
	monitorErr := make(chan error, 1)
	if udc := transport.Name(); udc != "" {
		monitor := gadget.NewMonitor(udc, queue,
			time.Duration(cfg.Gadget.MonitorIntervalMs)*time.Millisecond,
			logger.Component("monitor"))
		go func() { monitorErr <- monitor.Run(ctx) }()
	} else {
		logger.Warn("no UDC available, connection events disabled")
	}

	// Accessory handshake loop over functionfs ep0. The loop supervises
	// itself: it reopens ep0 whenever the accessory function reappears and
	// only returns on shutdown.
	if cfg.Gadget.EP0Path != "" {
		parser := aoa.NewParser(queue, logger.Component("aoa"))
		loop := aoa.NewEP0Loop(cfg.Gadget.EP0Path, parser, logger.Component("ep0"))
		go loop.Run(ctx)
	}

	logger.Info("ready", "socket", cfg.Socket.Path, "udc", transport.Name())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-monitorErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("connection monitor failed", "error", err)
		}
	}

	server.Stop()
	if session.IsOpen() {
		session.Close(context.Background())
	}
	queue.Close()
	return nil
}
