// Command sngrep-capture is the thin CLI wrapper spec.md §6 calls for: flags
// map onto engine tunables, trailing non-flag arguments form the BPF filter,
// the engine itself does all the work. Grounded on the teacher's
// cmd/root.go (cobra, persistent config flag, Execute()/exitWithError
// shape), reduced to sngrep-capture's single-command surface since the
// full multi-subcommand daemon CLI is this repo's out-of-scope collaborator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sngrep.io/capture/internal/capture"
	"sngrep.io/capture/internal/config"
	"sngrep.io/capture/internal/engine"
	"sngrep.io/capture/internal/log"
	"sngrep.io/capture/internal/metrics"
	reportkafka "sngrep.io/capture/internal/report/kafka"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

var (
	inputFile   string
	outputFile  string
	device      string
	dialogLimit int
	memoryLimit string
	noColor     bool
	hepListen   string
	hepSend     string
	configFile  string
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:     "sngrep-capture [bpf-filter...]",
		Short:   "SIP/RTP signaling capture core",
		Version: "0.1.0",
		RunE:    runCapture,
	}

	rootCmd.Flags().StringVarP(&inputFile, "input", "I", "", "read packets from a pcap file instead of a live device")
	rootCmd.Flags().StringVarP(&outputFile, "output", "O", "", "also write captured packets to this pcap file")
	rootCmd.Flags().StringVarP(&device, "device", "d", "", "capture live from this device")
	rootCmd.Flags().IntVarP(&dialogLimit, "dialogs", "l", 0, "maximum tracked dialogs (0 = use config default)")
	rootCmd.Flags().StringVarP(&memoryLimit, "memory", "m", "", "memory cap, e.g. 512MB (empty = use config default)")
	rootCmd.Flags().BoolVarP(&noColor, "no-color", "c", false, "disable attribute color output")
	rootCmd.Flags().StringVarP(&hepListen, "hep-listen", "L", "", "listen for HEP3 frames on addr:port")
	rootCmd.Flags().StringVarP(&hepSend, "hep-send", "H", "", "send captured packets as HEP3 to addr:port")
	rootCmd.Flags().StringVar(&configFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
		return exitCode
	}
	return exitCode
}

// exitCode is set by runCapture since cobra's RunE can only return an
// error, not a process exit code, and spec.md §6 distinguishes
// configuration errors (1) from runtime capture errors (2).
var exitCode = exitOK

func runCapture(cmd *cobra.Command, args []string) error {
	globalConfig := loadConfig()

	log.Init(&log.LoggerConfig{Level: globalConfig.Log.Level})
	logger := log.GetLogger()

	if outputFile != "" {
		logger.Warn("writing a mirrored pcap file (-O) is not yet implemented; ignoring")
	}
	if hepSend != "" {
		logger.Warn("HEP send (-H) is an out-of-scope reporter collaborator; ignoring")
	}
	if noColor {
		logger.Warn("-c has no effect here: attribute colors are consumed by the TUI, an out-of-scope collaborator")
	}

	cfg := globalConfig.Core.Engine
	if dialogLimit > 0 {
		cfg.MaxDialogs = dialogLimit
	}
	if mb, ok := parseMemoryMB(memoryLimit); ok {
		cfg.MemoryLimitMB = mb
	}
	if hepListen != "" {
		cfg.HEPListenAddr = hepListen
	}

	if inputFile == "" && device == "" && cfg.HEPListenAddr == "" {
		exitCode = exitConfigError
		return fmt.Errorf("one of -I, -d, or -L (with hep_listen_addr configured) is required")
	}

	eng := engine.New(cfg, logger)
	defer eng.Close()

	if globalConfig.Metrics.Enabled {
		srv := metrics.NewServer(globalConfig.Metrics.Listen, globalConfig.Metrics.Path, logger)
		if err := srv.Start(context.Background()); err != nil {
			exitCode = exitRuntimeError
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	if kafkaCfg := globalConfig.Reporters.Kafka; len(kafkaCfg.Brokers) > 0 && kafkaCfg.Topic != "" {
		exporter, err := reportkafka.New(reportkafka.Config{
			Brokers:     kafkaCfg.Brokers,
			Topic:       kafkaCfg.Topic,
			Compression: kafkaCfg.Compression,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("kafka event export disabled: invalid configuration")
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			defer exporter.Close()
			go exporter.Run(ctx, eng.Store())
		}
	}

	bpf := strings.Join(args, " ")

	in, err := buildInput(cfg, bpf, logger)
	if err != nil {
		exitCode = exitConfigError
		return err
	}

	if err := eng.Run(in); err != nil {
		exitCode = exitRuntimeError
		return fmt.Errorf("starting capture: %w", err)
	}

	waitForSignal()
	return nil
}

func buildInput(cfg config.EngineConfig, bpf string, logger log.Logger) (capture.Input, error) {
	switch {
	case inputFile != "":
		return capture.NewFileInput(inputFile, logger), nil
	case device != "":
		return capture.NewLiveInput(capture.LiveConfig{
			Device:       device,
			SnapLen:      65535,
			BufferSizeMB: 8,
			TimeoutMs:    100,
			BPFFilter:    bpf,
		}, logger), nil
	case cfg.HEPListenAddr != "":
		return capture.NewHEPInput(cfg.HEPListenAddr, logger), nil
	default:
		return nil, fmt.Errorf("no capture source selected")
	}
}

func loadConfig() *config.GlobalConfig {
	if configFile == "" {
		return defaultGlobalConfig()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config %s: %v; using defaults\n", configFile, err)
		return defaultGlobalConfig()
	}
	return cfg
}

// defaultGlobalConfig mirrors internal/config's viper defaults for the
// engine tunables this CLI cares about, for the common sngrep-style
// standalone invocation with no config file at all. One value differs:
// the HEP listen address is left empty here, so no HEP listener is set up
// from it unless -L is given.
func defaultGlobalConfig() *config.GlobalConfig {
	return &config.GlobalConfig{
		Core: config.CoreConfig{
			Engine: config.EngineConfig{
				MaxDialogs:           10000,
				MemoryLimitMB:        512,
				RetransmissionWindow: "500ms",
				TCPMaxSegments:       50,
				TCPMaxAgeMs:          1000,
				IPFragmentMaxAge:     "30s",
				HEPListenAddr:        "",
				EventQueueSize:       256,
			},
		},
	}
}

func parseMemoryMB(s string) (int, bool) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, false
	}
	switch {
	case strings.HasSuffix(s, "GB"):
		n := 0
		fmt.Sscanf(s, "%dGB", &n)
		return n * 1024, n > 0
	case strings.HasSuffix(s, "MB"):
		n := 0
		fmt.Sscanf(s, "%dMB", &n)
		return n, n > 0
	default:
		n := 0
		fmt.Sscanf(s, "%d", &n)
		return n, n > 0
	}
}

func waitForSignal() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond) // let in-flight frames drain before Close
}
