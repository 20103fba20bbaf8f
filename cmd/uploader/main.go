// Command uploader drives one diabetes device upload session from the
// command line: connect to a device bridge, download the device history,
// resolve timestamps, and push the canonical events to the ingest sink.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"diab-uplink/internal/archive"
	"diab-uplink/internal/config"
	"diab-uplink/internal/device"
	"diab-uplink/internal/framing"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/pipeline"
	"diab-uplink/internal/records"
	"diab-uplink/internal/store"
	"diab-uplink/internal/transport"
	"diab-uplink/internal/upload"

	"diab-uplink/internal/drivers/animas"
	"diab-uplink/internal/drivers/contour"
	"diab-uplink/internal/drivers/dexcom"
	"diab-uplink/internal/drivers/verio"
)

const version = "0.3.0"

var (
	configPath string
	driverID   string
	bridgeAddr string
	timezone   string
)

func main() {
	root := &cobra.Command{
		Use:          "uploader",
		Short:        "Diabetes device data uploader",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	upCmd := &cobra.Command{
		Use:   "upload",
		Short: "Run one upload session against a connected device",
		RunE:  runUpload,
	}
	upCmd.Flags().StringVar(&driverID, "driver", "", "driver family (see 'uploader drivers')")
	upCmd.Flags().StringVar(&bridgeAddr, "addr", "", "address of the serial-over-TCP device bridge")
	upCmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone the device clock is set to")
	_ = upCmd.MarkFlagRequired("driver")
	_ = upCmd.MarkFlagRequired("addr")

	root.AddCommand(upCmd, driversCmd(), decodeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runUpload(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if timezone == "" {
		timezone = cfg.Timezone
	}
	logger := observability.NewLogger()
	go observability.StartMetricsServer(cfg.MetricsPort)

	st, err := store.New(cfg.Redis.Addr, cfg.Redis.DB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	arch, err := archive.New(cfg.Archive.DSN, logger)
	if err != nil {
		return err
	}
	defer arch.Close()

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	var capture *transport.Capture
	if cfg.CaptureDir != "" {
		capture = transport.NewCapture(cfg.CaptureDir, driverID)
	}
	tr, err := transport.DialTCP(bridgeAddr, logger, capture)
	if err != nil {
		return err
	}

	entry := cfg.Drivers[driverID]
	session := &device.Session{
		DriverID:  driverID,
		VendorID:  entry.VendorID,
		ProductID: entry.ProductID,
		Mode:      entry.Mode,
		Transport: tr,
		Logger:    logger.With("driver", driverID),
		Builder:   records.NewBuilder(),
		Timezone:  timezone,
	}

	runner, err := pipeline.New(driverID, pipeline.Options{
		Sink:    sink,
		Archive: arch,
		Store:   st,
		Version: version,
		OnProgress: func(pct int) {
			fmt.Fprintf(cmd.OutOrStdout(), "\rprogress: %3d%%", pct)
		},
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	batch, err := runner.Run(ctx, session)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded session %s: %d events from %s\n",
		batch.Session.ID, len(batch.Events), batch.Session.DeviceID)
	return nil
}

func buildSink(cfg config.Config, logger *slog.Logger) (upload.Sink, error) {
	switch {
	case cfg.Sink.GRPCAddr != "":
		return upload.NewGRPCSink(cfg.Sink.GRPCAddr)
	case cfg.Sink.ProxyAddr != "":
		return upload.NewNDJSONSink(cfg.Sink.ProxyAddr, logger), nil
	default:
		return nil, fmt.Errorf("no sink configured: set sink.grpcAddr or sink.proxyAddr")
	}
}

func driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the supported device families",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, id := range device.IDs() {
				drv, err := device.New(id)
				if err != nil {
					return err
				}
				info := drv.Info()
				entry := cfg.Drivers[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-24s %s (%04x:%04x, %s)\n",
					id, strings.Join(info.Manufacturers, ","), strings.Join(info.Tags, ","),
					entry.VendorID, entry.ProductID, entry.Mode)
			}
			return nil
		},
	}
}

// extractors maps each registry id to its frame extractor for offline
// decoding.
var extractors = map[string]framing.Extractor{
	"animas":        animas.ExtractFrame,
	"bayercontour":  contour.ExtractFrame,
	"dexcom":        dexcom.ExtractFrame,
	"onetouchverio": verio.ExtractFrame,
}

func decodeCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "decode <capture-file>",
		Short: "Re-frame a raw traffic capture for diagnostics",
		Long: "Reads a capture log written by the transport layer (lines of\n" +
			"\"HH:MM:SS.mmm DIR hexbytes\") and runs one side of the traffic\n" +
			"through the driver's frame extractor.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extract, ok := extractors[driverID]
			if !ok {
				return fmt.Errorf("no extractor for driver %q", driverID)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var buf framing.Buffer
			frames, invalid := 0, 0
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				fields := strings.Fields(sc.Text())
				if len(fields) != 3 || fields[1] != direction {
					continue
				}
				chunk, err := hex.DecodeString(fields[2])
				if err != nil {
					return fmt.Errorf("bad hex at %s: %w", fields[0], err)
				}
				buf.Append(chunk)
				for {
					res := extract(buf.Bytes())
					if res.Consumed == 0 && res.Frame == nil {
						break
					}
					buf.Discard(res.Consumed)
					if res.Frame != nil {
						if res.Frame.Valid {
							frames++
							fmt.Fprintf(cmd.OutOrStdout(), "%s frame cmd=%#02x payload=%s\n",
								fields[0], res.Frame.Command, hex.EncodeToString(res.Frame.Payload))
						} else {
							invalid++
							fmt.Fprintf(cmd.OutOrStdout(), "%s INVALID frame\n", fields[0])
						}
					}
					if res.Consumed == 0 {
						break
					}
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d frames, %d invalid\n", frames, invalid)
			return nil
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver family whose framer to use")
	cmd.Flags().StringVar(&direction, "direction", "RX", "capture direction to decode (TX or RX)")
	_ = cmd.MarkFlagRequired("driver")
	return cmd
}
