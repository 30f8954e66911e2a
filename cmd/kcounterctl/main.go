package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/kcounter/internal/client"
	"github.com/danmuck/kcounter/internal/device"
	"github.com/danmuck/kcounter/internal/ioctl"
	"github.com/danmuck/kcounter/internal/observability"
	"github.com/danmuck/kcounter/internal/protocol"
	"github.com/rs/zerolog/log"
)

// cmdFail is a command word the device does not implement.
var cmdFail = ioctl.IO('|', 0)

var errFailedToFail = errors.New("ioctl: failed to fail")

type options struct {
	network string
	addr    string
	device  string
	repeat  int
	hold    time.Duration
}

func main() {
	opts, err := setup(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "kcounterctl: %v\n", err)
		if errno := protocol.ErrnoOf(err); errno != 0 {
			os.Exit(int(errno))
		}
		os.Exit(1)
	}
}

// setup parses args and installs the console logger.
func setup(args []string) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("kcounterctl", flag.ContinueOnError)
	fs.StringVar(&opts.network, "network", "unix", "control socket network: unix|tcp")
	fs.StringVar(&opts.addr, "addr", "/tmp/kcounter.sock", "control socket address")
	fs.StringVar(&opts.device, "device", device.DefaultName, "device name")
	fs.IntVar(&opts.repeat, "n", 1, "number of open/read/close cycles")
	fs.DurationVar(&opts.hold, "hold", 0, "keep the device open this long before closing")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	observability.InitLogger("kcounterctl")
	return opts, nil
}

func run(ctx context.Context, out io.Writer, opts options) error {
	c, err := client.Dial(ctx, opts.network, opts.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.repeat < 1 {
		opts.repeat = 1
	}
	for i := 0; i < opts.repeat; i++ {
		if err := cycle(ctx, out, c, opts); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "Success")
	return nil
}

// cycle opens the device, proves an unknown request fails, reads the
// message and closes again.
func cycle(ctx context.Context, out io.Writer, c *client.Client, opts options) error {
	fmt.Fprintf(out, "Opening %s for reading and writing\n", opts.device)
	f, err := c.Open(ctx, opts.device)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		fmt.Fprintf(out, "Closing %s\n", opts.device)
		if err := f.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("kcounterctl close failed")
		}
	}()

	fmt.Fprintln(out, "Attempting to call in to an non-existent IOCTL")
	if _, err := f.Ioctl(ctx, cmdFail, nil); err != nil {
		fmt.Fprintf(out, "ioctl: Succeeded to fail - this was expected: %v\n", err)
	} else {
		return errFailedToFail
	}

	buf := make([]byte, device.MessageBufferSize)
	if _, err := f.Ioctl(ctx, device.CmdReadMessage, buf); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		buf = buf[:n]
	}
	fmt.Fprintf(out, "Message received: %s\n", buf)

	if opts.hold > 0 {
		fmt.Fprintf(out, "Holding %s for %s\n", opts.device, opts.hold)
		timer := time.NewTimer(opts.hold)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}
