// accessoryctl is the control CLI for accessoryd.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accessoryd/internal/config"
	"accessoryd/internal/event"
	"accessoryd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "control socket path (overrides config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "open":
		cmdOpen()
	case "close":
		cmdClose()
	case "switch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: accessoryctl switch <acm|accessory>")
			os.Exit(1)
		}
		cmdSwitch(flag.Arg(1))
	case "reset":
		cmdReset()
	case "poll":
		cmdPoll()
	case "events":
		follow := false
		if flag.NArg() >= 2 && flag.Arg(1) == "-follow" {
			follow = true
		}
		cmdEvents(follow)
	case "watch":
		cmdWatch()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `accessoryctl - Control utility for accessoryd

Usage: accessoryctl [options] <command> [args]

Commands:
  status              Show daemon status and current personality
  open                Open the control session (device enters serial mode)
  close               Close the control session
  switch <mode>       Switch personality: acm or accessory
  reset               Re-register the current personality
  poll                Report whether an event is ready to read
  events [-follow]    Drain buffered events; -follow keeps reading
  watch               Print mode-change notices as they happen
  help                Show this help message

Options:
  -config <path>      Path to config file (default: ~/.accessoryd/config.toml)
  -socket <path>      Control socket path (overrides config)`)
}

// connect dials the daemon and performs the handshake, exiting on failure.
func connect() *ipc.IPCClient {
	socket := *socketPath
	if socket == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		socket = cfg.Socket.Path
	}

	client := ipc.NewClient(ipc.DefaultClientConfig(socket))
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return client
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Daemon version:  %s\n", status.Version)
	fmt.Printf("Uptime:          %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Mode:            %s\n", status.Mode)
	fmt.Printf("Session open:    %v\n", status.SessionOpen)
	fmt.Printf("Event pending:   %v\n", status.Pending)
	fmt.Printf("Events buffered: %d\n", status.Buffered)
	if status.Dropped > 0 {
		fmt.Printf("Events dropped:  %d\n", status.Dropped)
	}
	if status.UDC != "" {
		fmt.Printf("UDC:             %s\n", status.UDC)
	}
}

func cmdOpen() {
	client := connect()
	defer client.Close()

	resp, err := client.OpenSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session open, mode: %s\n", resp.Mode)
	fmt.Fprintln(os.Stderr, "Note: the session closes when this process exits.")
}

func cmdClose() {
	client := connect()
	defer client.Close()

	if err := client.CloseSession(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Session closed")
}

// withSession opens the session, runs fn, then closes the session. The
// daemon ties the session to this connection, so commands that need it must
// do their work before disconnecting.
func withSession(fn func(*ipc.IPCClient) error) {
	client := connect()
	defer client.Close()

	if _, err := client.OpenSession(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.CloseSession()

	if err := fn(client); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdSwitch(mode string) {
	withSession(func(client *ipc.IPCClient) error {
		resp, err := client.SwitchMode(mode)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("switch failed: %s (mode now %s)", resp.Error, resp.Mode)
		}
		fmt.Printf("Mode: %s\n", resp.Mode)
		return nil
	})
}

func cmdReset() {
	withSession(func(client *ipc.IPCClient) error {
		resp, err := client.Reset()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("reset failed: %s (mode now %s)", resp.Error, resp.Mode)
		}
		fmt.Printf("Reset done, mode: %s\n", resp.Mode)
		return nil
	})
}

func cmdPoll() {
	withSession(func(client *ipc.IPCClient) error {
		readable, err := client.Poll()
		if err != nil {
			return err
		}
		if readable {
			fmt.Println("readable")
		} else {
			fmt.Println("empty")
		}
		return nil
	})
}

func cmdEvents(follow bool) {
	withSession(func(client *ipc.IPCClient) error {
		for {
			if !follow {
				readable, err := client.Poll()
				if err != nil {
					return err
				}
				if !readable {
					return nil
				}
			}

			resp, err := client.ReadEvent()
			if err != nil {
				return err
			}
			rec, err := event.Decode(resp.Record)
			if err != nil {
				return err
			}
			fmt.Printf("%s  [%d bytes]\n", rec, resp.Length)
		}
	})
}

func cmdWatch() {
	client := connect()
	defer client.Close()

	client.OnNotice(func(n *ipc.Notice) {
		fmt.Printf("%s  %s mode=%s\n",
			n.Timestamp.Format(time.RFC3339), n.Kind, n.Mode)
	})
	if err := client.Subscribe(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "Watching for mode changes, Ctrl-C to stop.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
