package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/ota-push/helpers"
	"github.com/temoto/ota-push/log2"
	"github.com/temoto/ota-push/ota"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/ota/progress"
	"github.com/temoto/ota-push/transport"
	"golang.org/x/term"
)

const defaultFirmwarePath = ".pio/build/esp32dev/firmware.bin"

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	os.Exit(run())
}

func run() int {
	cmdline := newFlagSet(os.Args[0])
	if err := cmdline.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}

	underSystemd := sdnotify("STATUS=starting")
	if underSystemd {
		// journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
		log.SetErrorFunc(func(e error) { _, _ = daemon.SdNotify(false, "STATUS=error: "+e.Error()) })
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var names []string
	if name := cmdline.Lookup("config").Value.String(); name != "" {
		names = append(names, name)
	}
	config, err := ota_config.ReadConfig(log, ota_config.NewOsFullReader(), names...)
	if err != nil {
		log.Errorf("config: %v", err)
		return exitUsage
	}
	if err = applyFlags(cmdline, config); err != nil {
		log.Errorf("flags: %v", err)
		return exitUsage
	}
	if err = config.Validate(); err != nil {
		log.Errorf("config: %v", err)
		return exitUsage
	}
	if config.Password == "-" {
		if config.Password, err = readPassword(); err != nil {
			log.Errorf("password: %v", err)
			return exitUsage
		}
	}

	verbose := config.Verbose || config.LogDebug
	if verbose {
		log.SetLevel(log2.LDebug)
	}
	transport.SetLibraryLog(log, config.MqttLogDebug)

	path, err := firmwarePath(cmdline.Args())
	if err != nil {
		log.Error(err)
		cmdline.Usage()
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter := progress.NewReporter(os.Stdout)
	if underSystemd {
		reporter.SetNotify(func(line string) { sdnotify("STATUS=" + line) })
	}
	log.Infof("OTA update device=%s broker=%s firmware=%s", config.Device(), config.BrokerURL(), path)

	tr, err := transport.New(ctx, log, config)
	if err != nil {
		log.Errorf("transport: %v", err)
		return exitUsage
	}
	err = ota.Run(ctx, log, config, tr, path, reporter.Update)
	if err != nil {
		reporter.Finish("OTA update failed or timed out!")
		if verbose {
			log.Error(errors.ErrorStack(err))
		} else {
			log.Error(err)
		}
		return exitFailure
	}
	reporter.Finish("OTA update completed successfully!")
	return exitSuccess
}

func newFlagSet(name string) *flag.FlagSet {
	cmdline := flag.NewFlagSet(name, flag.ContinueOnError)
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] [firmware.bin]\n", name)
		cmdline.PrintDefaults()
	}
	cmdline.String("config", "", "HCL config file")
	cmdline.String("broker", ota_config.DefaultBroker, "MQTT broker host or URL")
	cmdline.Int("port", ota_config.DefaultPort, "MQTT broker port")
	cmdline.String("user", "", "MQTT username")
	cmdline.String("password", "", "MQTT password, - to prompt")
	cmdline.String("device-id", ota_config.DefaultDeviceId, "target device id")
	cmdline.String("namespace", ota_config.DefaultNamespace, "topic namespace")
	cmdline.Int("chunk-size", ota_config.DefaultChunkSize, "chunk size, bytes")
	cmdline.Int("retries", ota_config.DefaultMaxRetries, "max transfer passes")
	cmdline.Int("chunk-delay", int(ota_config.DefaultChunkDelay.Milliseconds()), "delay between chunks, ms")
	cmdline.Int("timeout", int(ota_config.DefaultTimeout.Seconds()), "completion timeout, seconds")
	cmdline.String("mqtt-client", ota_config.MqttClientPaho, "paho|gomqtt")
	cmdline.Bool("verbose", false, "debug logging")
	return cmdline
}

// applyFlags overrides config with explicitly given flags only.
// Zero in config means default, so explicit zero is rejected here.
func applyFlags(cmdline *flag.FlagSet, config *ota_config.Config) error {
	errs := make([]error, 0, 4)
	positive := func(f *flag.Flag) int {
		n := f.Value.(flag.Getter).Get().(int)
		if n <= 0 {
			errs = append(errs, errors.NotValidf("-%s=%d must be positive", f.Name, n))
		}
		return n
	}
	cmdline.Visit(func(f *flag.Flag) {
		value := f.Value.(flag.Getter).Get()
		switch f.Name {
		case "broker":
			config.Broker = value.(string)
		case "port":
			config.Port = positive(f)
		case "user":
			config.Username = value.(string)
		case "password":
			config.Password = value.(string)
		case "device-id":
			config.DeviceId = value.(string)
		case "namespace":
			config.Namespace = value.(string)
		case "chunk-size":
			config.ChunkSize = positive(f)
		case "retries":
			config.MaxRetries = positive(f)
		case "chunk-delay":
			ms := value.(int)
			switch {
			case ms < 0:
				errs = append(errs, errors.NotValidf("-chunk-delay=%d", ms))
			case ms == 0:
				config.ChunkDelayMs = -1
			default:
				config.ChunkDelayMs = ms
			}
		case "timeout":
			config.TimeoutSec = positive(f)
		case "mqtt-client":
			config.MqttClient = value.(string)
		case "verbose":
			config.Verbose = value.(bool)
		}
	})
	return helpers.FoldErrors(errs)
}

// firmwarePath returns positional argument or build output of default project layout.
func firmwarePath(args []string) (string, error) {
	switch len(args) {
	case 0:
		if _, err := os.Stat(defaultFirmwarePath); err == nil {
			return defaultFirmwarePath, nil
		}
		return "", errors.NotFoundf("firmware path argument not given and %s", defaultFirmwarePath)
	case 1:
		return args[0], nil
	}
	return "", errors.NotValidf("too many arguments %q", args)
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.NotSupportedf("password prompt without terminal")
	}
	fmt.Fprint(os.Stderr, "MQTT password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Annotate(err, "read password")
	}
	return string(b), nil
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify: %v", err)
	}
	return ok
}
