// Package bridge exposes a flow-controlled serial transport as a local
// pseudo-terminal, so unmodified serial tools can talk to a remote device
// through the slave side of the pair.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/srg/bluelink/internal/groutine"
)

// frameSize is the largest chunk forwarded to the port in one write.
const frameSize = 20

// Port is the transport side of the bridge. The serial device satisfies it.
type Port interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Options configures the bridge.
type Options struct {
	// TTYSymlink, when non-empty, is created pointing at the slave device so
	// users get a stable path (e.g. /tmp/bluelink-ostc).
	TTYSymlink string
	Logger     *logrus.Logger
}

// Bridge copies bytes between a pseudo-terminal pair and a Port until closed
// or either side fails.
type Bridge struct {
	port   Port
	master *os.File
	slave  *os.File
	logger *logrus.Logger

	symlink   string
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// New creates the pseudo-terminal pair and starts the copy loops. The caller
// owns the returned bridge and must Close it.
func New(ctx context.Context, port Port, opts *Options) (*Bridge, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot create pseudo-terminal pair: %w", err)
	}
	// Raw mode: no echo, no line buffering, bytes pass through unmodified.
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("cannot set %s to raw mode: %w", slave.Name(), err)
	}

	if opts.TTYSymlink != "" {
		if err := os.Symlink(slave.Name(), opts.TTYSymlink); err != nil {
			master.Close()
			slave.Close()
			return nil, fmt.Errorf("cannot create tty symlink %s: %w", opts.TTYSymlink, err)
		}
		logger.WithFields(logrus.Fields{
			"symlink": opts.TTYSymlink,
			"target":  slave.Name(),
		}).Info("Created tty symlink")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	b := &Bridge{
		port:    port,
		master:  master,
		slave:   slave,
		logger:  logger,
		symlink: opts.TTYSymlink,
		cancel:  cancel,
		group:   group,
	}

	group.Go(func() error { return b.ptyToPort(ctx) })
	group.Go(func() error { return b.portToPty(ctx) })
	// A read blocked on the master does not observe context cancellation;
	// closing the file unblocks it.
	groutine.Go(ctx, "bridge-unblock", func(ctx context.Context) {
		<-ctx.Done()
		b.closeFiles()
	})

	logger.WithField("tty", slave.Name()).Info("Serial bridge running")
	return b, nil
}

// TTYName returns the slave device path (e.g. /dev/pts/5).
func (b *Bridge) TTYName() string {
	return b.slave.Name()
}

// Wait blocks until both copy loops have stopped and returns the first
// failure, or nil after a plain Close.
func (b *Bridge) Wait() error {
	return b.group.Wait()
}

// Close stops the copy loops, closes the pair and removes the symlink.
func (b *Bridge) Close() error {
	b.cancel()
	b.closeFiles()
	err := b.group.Wait()
	if b.symlink != "" {
		if rmErr := os.Remove(b.symlink); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			b.logger.WithError(rmErr).WithField("symlink", b.symlink).Warn("Cannot remove tty symlink")
		}
	}
	return err
}

func (b *Bridge) closeFiles() {
	b.closeOnce.Do(func() {
		b.master.Close()
		b.slave.Close()
	})
}

// ptyToPort forwards bytes written to the slave out through the port, in
// chunks of at most one link frame.
func (b *Bridge) ptyToPort(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := b.master.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pseudo-terminal read: %w", err)
		}
		for off := 0; off < n; off += frameSize {
			end := off + frameSize
			if end > n {
				end = n
			}
			if err := b.port.Write(ctx, buf[off:end]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("serial write: %w", err)
			}
		}
	}
}

// portToPty forwards frames arriving from the port into the master, so they
// appear on the slave.
func (b *Bridge) portToPty(ctx context.Context) error {
	for {
		frame, err := b.port.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
		if _, err := b.master.Write(frame); err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pseudo-terminal write: %w", err)
		}
	}
}
