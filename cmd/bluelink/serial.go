package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bridge"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
	"github.com/srg/bluelink/serial"
)

var serialCmd = &cobra.Command{
	Use:   "serial <device-address>",
	Short: "Bridge a serial device to a local pseudo-terminal",
	Long: `Connects to a flow-controlled serial device (Stollmann/Telit TIO
protocol, used by e.g. OSTC dive computers) and exposes it as a local
pseudo-terminal, so unmodified serial tools can talk to it:

  bluelink serial 00:80:25:44:7F:EB --tty-symlink /tmp/ostc

The command runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSerial,
}

var (
	serialSymlink string
	serialTimeout time.Duration
)

func init() {
	serialCmd.Flags().StringVar(&serialSymlink, "tty-symlink", "", "Create a stable symlink to the pseudo-terminal")
	serialCmd.Flags().DurationVar(&serialTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
}

var serialAddressRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func runSerial(cmd *cobra.Command, args []string) error {
	addr := bluelink.Address(args[0])
	if !serialAddressRe.MatchString(string(addr)) {
		return fmt.Errorf("invalid device address %q", args[0])
	}
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := bluez.NewSystemBus(logger)
	if err != nil {
		return err
	}
	defer raw.Close()
	bm := bus.NewManager(raw, logger)

	dev := serial.New(bm, addr, nil, logger)
	connectCtx, cancel := context.WithTimeout(ctx, serialTimeout)
	defer cancel()
	if err := dev.Connect(connectCtx); err != nil {
		return err
	}
	defer dev.Close()

	br, err := bridge.New(ctx, dev, &bridge.Options{TTYSymlink: serialSymlink, Logger: logger})
	if err != nil {
		return err
	}

	tty := br.TTYName()
	if serialSymlink != "" {
		tty = serialSymlink
	}
	fmt.Printf("Serial device %s bridged to %s\n",
		color.New(color.FgCyan, color.Bold).Sprint(addr),
		color.New(color.FgGreen).Sprint(tty))

	waitErr := make(chan error, 1)
	go func() { waitErr <- br.Wait() }()
	select {
	case <-ctx.Done():
		return br.Close()
	case err := <-waitErr:
		br.Close()
		return err
	}
}
