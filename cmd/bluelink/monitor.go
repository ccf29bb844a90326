package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/cm"
	"github.com/srg/bluelink/internal/bluez"
	"github.com/srg/bluelink/pkg/config"
	"github.com/srg/bluelink/sensor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <config-file>",
	Short: "Connect configured devices and stream sensor readings",
	Long: `Connects every device listed in the YAML configuration, keeps them
connected and enabled across service re-resolutions, and prints sensor
measurements to stdout until interrupted.

Example configuration:

  log_level: info
  devices:
    - address: "C4:BE:84:71:C6:02"
      battery: true
      sensors:
        - name: temperature
          notifying: true
        - name: pressure
          interval: 1s

Readings are printed as raw measurement bytes; converting them to physical
values is sensor specific and left to downstream tooling.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var monitorRate time.Duration

func init() {
	monitorCmd.Flags().DurationVar(&monitorRate, "rate", time.Second, "Poll interval for non-notifying sensors")
}

var (
	deviceColor = color.New(color.FgCyan, color.Bold)
	sensorColor = color.New(color.FgGreen)
	valueColor  = color.New(color.FgYellow)
)

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
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

	opts := &cm.Options{AdapterPath: cfg.Adapter, EnableTimeout: cfg.EnableTimeout}
	mgr := cm.NewManager(bm, opts, logger)

	group, ctx := errgroup.WithContext(ctx)
	for _, dev := range cfg.Devices {
		for _, sc := range dev.Sensors {
			info, ok := sensor.ByName(sc.Name)
			if !ok {
				return fmt.Errorf("unknown sensor %q on device %s", sc.Name, dev.Address)
			}
			s := sensor.New(bm, dev.Address, info, sc.Notifying, logger)
			mgr.Add(s)
			group.Go(func() error {
				return streamSensor(ctx, mgr, s, sc.Interval)
			})
		}
		if dev.Battery {
			bat := sensor.NewBattery(bm, dev.Address, logger)
			mgr.Add(bat)
			group.Go(func() error {
				return streamBattery(ctx, mgr, bat)
			})
		}
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	group.Go(mgr.Wait)

	<-ctx.Done()
	stop()
	if err := mgr.Close(); err != nil {
		return err
	}
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// streamSensor prints one line per measurement until the context ends.
// Notifying sensors pace themselves; polled sensors are read at the rate
// interval.
func streamSensor(ctx context.Context, mgr *cm.Manager, s *sensor.Sensor, interval time.Duration) error {
	addr := s.Address()
	if err := mgr.Connected(ctx, addr); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if interval > 0 {
		if err := s.SetInterval(ctx, interval); err != nil {
			return err
		}
	}

	for {
		value, err := s.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Wait for the device to come back before reading again.
			if werr := mgr.Connected(ctx, addr); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
			continue
		}
		printReading(addr, s.Info().Name, hex.EncodeToString(value))
		if !s.Notifying() {
			select {
			case <-time.After(monitorRate):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// streamBattery prints the charge level once a minute.
func streamBattery(ctx context.Context, mgr *cm.Manager, bat *sensor.Battery) error {
	addr := bat.Address()
	if err := mgr.Connected(ctx, addr); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for {
		level, err := bat.Read(ctx)
		if err == nil {
			printReading(addr, "battery", fmt.Sprintf("%d%%", level))
		} else if ctx.Err() != nil {
			return nil
		}
		select {
		case <-time.After(time.Minute):
		case <-ctx.Done():
			return nil
		}
	}
}

func printReading(addr bluelink.Address, name, value string) {
	fmt.Printf("%s %s %s %s\n",
		time.Now().Format(time.RFC3339),
		deviceColor.Sprint(addr),
		sensorColor.Sprint(name),
		valueColor.Sprint(value))
}
