package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/bigbag/bledfu/internal/ble"
	"github.com/bigbag/bledfu/internal/channel"
	"github.com/bigbag/bledfu/internal/config"
	"github.com/bigbag/bledfu/internal/detect"
	"github.com/bigbag/bledfu/internal/firmware"
	"github.com/bigbag/bledfu/internal/flasher"
	"github.com/bigbag/bledfu/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag      string
	addressFlag     string
	nameFlag        string
	timeoutFlag     time.Duration
	scanTimeoutFlag time.Duration
	logLevelFlag    string
)

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bledfu",
		Short: "Update firmware over Bluetooth Low Energy",
		Long: `bledfu talks to a DFU bootloader over Bluetooth Low Energy.

It reads the bootloader's device info, flashes Intel HEX images page by
page and sends the bootloader's maintenance commands.

Without a subcommand the device info is shown.`,
		RunE: runInfo,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "YAML config file")
	pf.StringVarP(&addressFlag, "address", "a", "", "Device MAC address, or peripheral UUID on macOS; connects without scanning")
	pf.StringVarP(&nameFlag, "name", "n", "", "Device name to look for")
	pf.DurationVar(&timeoutFlag, "timeout", 0, "Response timeout (default 5s)")
	pf.DurationVar(&scanTimeoutFlag, "scan-timeout", 0, "Scan timeout (default 10s)")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Retrieve chip, flash size and layout from the bootloader",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	flashCmd := &cobra.Command{
		Use:     "flash <firmware.hex>",
		Aliases: []string{"deploy", "upload"},
		Short:   "Flash an Intel HEX file",
		Args:    cobra.ExactArgs(1),
		RunE:    runFlash,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the chip (will disconnect)",
		Args:  cobra.NoArgs,
		RunE: deviceCommand("reset", func(ctx context.Context, s *session) error {
			return s.ch.Reset(ctx)
		}),
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the first page of the application",
		Long: `Erase the page holding the application's vector table, so the
bootloader does not start the application on reset.`,
		Args: cobra.NoArgs,
		RunE: deviceCommand("erase", func(ctx context.Context, s *session) error {
			return flasher.New(s.ch, s.info, flasher.WithLogger(s.log)).EraseApp(ctx)
		}),
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check whether the bootloader still responds",
		Args:  cobra.NoArgs,
		RunE: deviceCommand("ping", func(ctx context.Context, s *session) error {
			if err := s.ch.Ping(ctx); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		}),
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Try to start the application (may fail)",
		Args:  cobra.NoArgs,
		RunE: deviceCommand("start app", func(ctx context.Context, s *session) error {
			return s.ch.Start(ctx)
		}),
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect from the device",
		Args:  cobra.NoArgs,
		RunE: deviceCommand("disconnect", func(ctx context.Context, s *session) error {
			fmt.Println("Disconnecting...")
			return s.client.Disconnect()
		}),
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List DFU devices in range",
		Args:  cobra.NoArgs,
		RunE:  runScan,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bledfu %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(infoCmd, flashCmd, resetCmd, eraseCmd, pingCmd, startCmd,
		disconnectCmd, scanCmd, versionCmd)
	return rootCmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		if cfg, err = config.Load(configFlag); err != nil {
			return nil, err
		}
	}

	if addressFlag != "" {
		cfg.Device.Address = addressFlag
	}
	if nameFlag != "" {
		cfg.Device.Name = nameFlag
	}
	if timeoutFlag > 0 {
		cfg.Protocol.ResponseTimeoutMs = int(timeoutFlag / time.Millisecond)
	}
	if scanTimeoutFlag > 0 {
		cfg.Device.ScanTimeoutMs = int(scanTimeoutFlag / time.Millisecond)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

// session is an open connection with validated device info.
type session struct {
	client *ble.Client
	ch     *channel.Channel
	info   protocol.DeviceInfo
	log    zerolog.Logger
}

func openSession(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*session, error) {
	client, err := ble.Dial(ctx, ble.Options{
		Address:     cfg.Device.Address,
		Name:        cfg.Device.Name,
		ScanTimeout: cfg.ScanTimeout(),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	go watchConnection(ctx, client, log)

	fmt.Printf("Connected to %s (%s)\n", client.Name(), client.Address())

	raw, err := client.ReadMetadata()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to read device info: %w", err)
	}
	info, err := protocol.DecodeInfo(raw)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	printDeviceInfo(info, client.FastBuffer())

	if err := info.Validate(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot flash this bootloader: %w", err)
	}

	ch := channel.New(client,
		channel.WithTimeout(cfg.ResponseTimeout()),
		channel.WithLogger(log))

	return &session{client: client, ch: ch, info: info, log: log}, nil
}

func watchConnection(ctx context.Context, client *ble.Client, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.Events():
			log.Debug().Bool("connected", ev.Connected).Time("at", ev.Time).Msg("connection state changed")
		}
	}
}

func printDeviceInfo(info protocol.DeviceInfo, fast bool) {
	fmt.Printf("  DFU version:       %d\n", info.Version)
	fmt.Printf("  Chip ID:           %s\n", info.ChipID)
	fmt.Printf("  Page size:         %d\n", info.PageSize)
	fmt.Printf("  Total flash size:  %gkB\n", float64(info.FlashSize)/1024)
	fmt.Printf("  App start address: 0x%X\n", info.AppStart)
	fmt.Printf("  App size:          %gkB\n", float64(info.AppSize)/1024)
	fmt.Printf("  Fast transport:    %s\n", yesNo(fast))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// deviceCommand wraps a command that runs against an open session.
func deviceCommand(name string, fn func(context.Context, *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg.Log.Level)

		s, err := openSession(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		// The link may already be gone after reset or disconnect.
		defer func() { _ = s.client.Close() }()

		fmt.Printf("Command: %s\n", name)
		return fn(cmd.Context(), s)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	return deviceCommand("info", func(context.Context, *session) error {
		return nil
	})(cmd, args)
}

func runFlash(cmd *cobra.Command, args []string) error {
	path := args[0]

	// Validate the whole image before touching the device.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open firmware file: %w", err)
	}
	summary, err := firmware.Scan(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("invalid firmware file: %w", err)
	}
	fmt.Printf("Firmware: %s (%d bytes in %d blocks)\n", path, summary.Bytes, summary.Blocks)

	return deviceCommand("flash hex file", func(ctx context.Context, s *session) error {
		bar := progressbar.NewOptions(summary.Bytes,
			progressbar.OptionSetDescription("Flashing"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)

		fl := flasher.New(s.ch, s.info,
			flasher.WithLogger(s.log),
			flasher.WithProgressCallback(func(p flasher.Progress) {
				_ = bar.Set(p.BytesWritten)
			}),
		)

		result, err := fl.Update(ctx, path)
		if err != nil {
			return err
		}
		_ = bar.Finish()

		fmt.Printf("done, transfer took %.1fs (%.1fkB/s)\n",
			result.Duration.Seconds(), result.Throughput()/1024)
		return nil
	})(cmd, args)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log.Level)

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth: %w", err)
	}

	fmt.Println("Scanning for DFU devices...")
	devices, err := detect.List(cmd.Context(), adapter, detect.Options{
		Address: cfg.Device.Address,
		Name:    cfg.Device.Name,
		Timeout: cfg.ScanTimeout(),
		Logger:  log,
	})
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No DFU devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s  %-20s  %d dBm\n", d.Address.String(), d.Name, d.RSSI)
	}
	return nil
}
