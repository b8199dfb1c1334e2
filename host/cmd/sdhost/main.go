// Command sdhost drives an SD card through the register bridge or the
// built-in simulator
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sdio/host/config"
)

// app is the state shared by all subcommands
type app struct {
	configPath string
	device     string
	baud       int
	simImage   string
	simSizeMB  uint64
	verbose    int

	cfg *config.Config
	log logr.Logger
}

func newLogger(verbosity int) logr.Logger {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	level := zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl := zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	return zapr.NewLogger(zl)
}

func newRootCmd() *cobra.Command {
	a := &app{log: logr.Discard()}

	root := &cobra.Command{
		Use:           "sdhost",
		Short:         "SD card host tool",
		Long:          "Initialize, read, write and erase an SD card behind a register bridge agent or a simulated controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&a.device, "device", "", "serial device of the bridge agent")
	pf.IntVar(&a.baud, "baud", 0, "serial baud rate")
	pf.StringVar(&a.simImage, "sim", "", "use the simulator backed by this disk image")
	pf.Uint64Var(&a.simSizeMB, "sim-size", 0, "simulated card capacity in MiB (default: image size)")
	pf.CountVarP(&a.verbose, "verbose", "v", "increase log verbosity")

	root.AddCommand(
		a.infoCmd(),
		a.readCmd(),
		a.writeCmd(),
		a.eraseCmd(),
		a.serveCmd(),
	)
	return root
}

// setup loads the configuration and applies flag overrides
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Link.Device = a.device
	}
	if flags.Changed("baud") {
		cfg.Link.Baud = a.baud
	}
	if flags.Changed("sim") {
		cfg.Sim.Image = a.simImage
	}
	if flags.Changed("sim-size") {
		cfg.Sim.SizeMB = a.simSizeMB
	}
	if flags.Changed("verbose") {
		cfg.Verbosity = a.verbose
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = newLogger(cfg.Verbosity).WithName("sdhost")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
