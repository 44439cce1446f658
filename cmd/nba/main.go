// Command nba runs the packet processor: it loads the system and pipeline
// configurations, brings up the driver, and launches the dataplane.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/anlab-kaist/nba-go/app/dataplane"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/core/proclock"
	"github.com/anlab-kaist/nba-go/netdev/ringdev"
	"github.com/anlab-kaist/nba-go/numa"

	_ "github.com/anlab-kaist/nba-go/element/ether"
	_ "github.com/anlab-kaist/nba-go/element/ipsec"
	_ "github.com/anlab-kaist/nba-go/element/std"
)

var logger = logging.New("main")

func main() {
	app := &cli.App{
		Name:      "nba",
		Usage:     "high-throughput software packet processor",
		ArgsUsage: "<system-config-path> <pipeline-config-path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "loglevel",
				Aliases: []string{"l"},
				Value:   "info",
				Usage: "output verbosity: debug, info, notice, warning, error, " +
					"critical, alert, emergency",
			},
			&cli.BoolFlag{
				Name:  "preserve-latency",
				Usage: "prefer dropping packets over queueing under TX backpressure",
			},
			&cli.IntFlag{
				Name:  "loopback-ports",
				Value: 2,
				Usage: "number of ring-backed loopback ports (stand-in driver)",
			},
		},
		Action: run,
	}
	if e := app.Run(os.Args); e != nil {
		cli.HandleExitCoder(e)
		fmt.Fprintln(os.Stderr, e)
		os.Exit(2)
	}
}

func run(c *cli.Context) error {
	letter, e := logging.ParseLevel(c.String("loglevel"))
	if e != nil {
		return cli.Exit(e.Error(), 2)
	}
	logging.SetGlobalLevel(letter)

	if c.NArg() != 2 {
		return cli.Exit("need two positional arguments: <system-config-path> <pipeline-config-path>", 2)
	}

	lock, e := proclock.Acquire("NBA")
	if e != nil {
		if e == proclock.ErrCollision {
			return cli.Exit("could not acquire the process lock; exiting", 1)
		}
		return cli.Exit(e.Error(), 1)
	}
	defer lock.Release()

	sys, e := config.LoadSystem(c.Args().Get(0))
	if e != nil {
		return cli.Exit(e.Error(), 2)
	}
	pl, e := config.LoadPipeline(c.Args().Get(1))
	if e != nil {
		return cli.Exit(e.Error(), 2)
	}

	drv := ringdev.NewDriver(c.Int("loopback-ports"), numa.NodeFromID(0))
	dp, e := dataplane.New(dataplane.Config{
		System:          sys,
		Pipeline:        pl,
		PreserveLatency: c.Bool("preserve-latency"),
	}, drv)
	if e != nil {
		return cli.Exit(e.Error(), 3)
	}
	dp.Launch()
	daemon.SdNotify(false, daemon.SdNotifyReady)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	s := <-sig
	logger.Info("terminating on signal", zap.String("signal", s.String()))
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if e := dp.Close(); e != nil {
		return cli.Exit(e.Error(), 3)
	}
	return nil
}
