package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/janhicken/schedoscope/dispatcher"
	"github.com/janhicken/schedoscope/drivers/filesystem"
	"github.com/janhicken/schedoscope/utils"
)

var (
	version = "undefined"
	build   = "undefined"

	address *string
	config  *string
	workdir *string
	drain   *bool

	log struct {
		level  *string
		format *string
	}
)

func init() {
	cmd := flag.NewFlagSet("transformd", flag.ExitOnError)
	address = cmd.String("address", "0.0.0.0:9532", "address the control server listens on.")
	config = cmd.String("config", "/etc/schedoscope/transformd.json", "path to the transformation type configuration.")
	workdir = cmd.String("workdir", "/var/lib/transformd", "path where driver libraries are staged.")
	drain = cmd.Bool("drain", false, "finish queued transformations on shutdown instead of dropping them.")

	log.level = cmd.String("log-level", "info", "log level: panic, fatal, error, warning, info, debug.")
	log.format = cmd.String("log-format", "text", "format of the logs: text or json.")
	cmd.Parse(os.Args[1:])

	buildLogger()
}

func main() {
	logrus.Infof("transformd version: %s (build: %s)", version, build)

	d := buildDispatcher()
	srv := dispatcher.NewRESTServer(d)

	var g errgroup.Group
	g.Go(func() error {
		return srv.Serve(*address)
	})
	g.Go(func() error {
		// the control server never returns on its own, so an escalated
		// fault has to end the process here
		if err := d.Wait(); err != nil {
			logrus.Errorf("dispatcher terminated: %s", err)
			os.Exit(1)
		}
		return nil
	})

	logrus.Infof("control server listening on %s", *address)
	handleGracefulShutdown(d)

	if err := g.Wait(); err != nil {
		logrus.Errorf("dispatcher terminated: %s", err)
		os.Exit(1)
	}
}

func buildLogger() {
	level, err := logrus.ParseLevel(*log.level)
	if err != nil {
		logrus.Errorf("invalid logger configuration: %s", err)
		os.Exit(1)
	}

	logrus.SetLevel(level)
	switch *log.format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.Errorf("invalid log format %q", *log.format)
		os.Exit(1)
	}
}

func buildDispatcher() *dispatcher.Dispatcher {
	fileConfig, err := utils.ReadConfig(*config)
	if err != nil {
		logrus.Errorf("error reading configuration %s: %s", *config, err)
		os.Exit(1)
	}

	cfg, err := fileConfig.ToDispatcher()
	if err != nil {
		logrus.Errorf("invalid configuration: %s", err)
		os.Exit(1)
	}
	cfg.DrainOnShutdown = cfg.DrainOnShutdown || *drain

	d, err := dispatcher.New(cfg, buildFactories(cfg))
	if err != nil {
		logrus.Errorf("error bootstrapping dispatcher: %s", err)
		os.Exit(1)
	}

	if err := d.Start(); err != nil {
		logrus.Errorf("error starting dispatcher: %s", err)
		os.Exit(1)
	}

	return d
}

// buildFactories registers the driver factory of every configured type.
// Drivers for warehouse engines are registered here as they become
// available, the filesystem driver ships built in.
func buildFactories(cfg dispatcher.Config) map[string]dispatcher.FactoryFunc {
	factories := make(map[string]dispatcher.FactoryFunc, len(cfg.Types))
	for typeName := range cfg.Types {
		switch typeName {
		case "filesystem":
			factories[typeName] = filesystem.NewFactory(*workdir)
		default:
			logrus.Errorf("no driver registered for transformation type %q", typeName)
			os.Exit(1)
		}
	}

	return factories
}

func handleGracefulShutdown(d *dispatcher.Dispatcher) {
	var gracefulStop = make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGTERM)
	signal.Notify(gracefulStop, syscall.SIGINT)
	go waitForStop(gracefulStop, d)
}

func waitForStop(ch <-chan os.Signal, d *dispatcher.Dispatcher) {
	sig := <-ch
	logrus.Warningf("signal received %+v", sig)
	logrus.Warningf("stopping dispatcher")
	if err := d.Stop(); err != nil {
		logrus.Errorf("error stopping dispatcher: %s", err)
	}

	os.Exit(0)
}
