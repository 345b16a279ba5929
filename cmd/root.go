package cmd

import (
	"fmt"
	"os"
	"time"

	"dashobd/internal/cmd/root"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dashobd",
	Short: "Command-line OBD-II dashboard with fuel consumption tracking",
	Run:   root.Run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml, toml or json)")
	flags.Bool("debug", false, "Enable debug mode")
	flags.Bool("no-tui", false, "Run without TUI, printing one line per poll")
	flags.Bool("mock", false, "Use simulated OBD gateway")
	flags.Float64("mock-failure-rate", 0.05, "Probability that a simulated sensor query fails")
	flags.String("port", "", "Serial device of the ELM327 adapter (auto-detected when empty)")
	flags.Int("baud", 38400, "Baud rate for serial connection")
	flags.Duration("interval", time.Second, "Poll interval")
	flags.String("log-file", "dashobd.log", "Log file used while the TUI is running")
	flags.String("http-addr", "", "Serve the HTTP API, websocket stream and Prometheus metrics on this address, e.g. :9100")
	flags.Bool("dtc-sweep", false, "Also read trouble codes from each known module header (CAN only)")
	flags.String("mqtt-broker", "", "Publish snapshots to this MQTT broker, e.g. tcp://localhost:1883")
	flags.String("mqtt-topic", "vehicle/obd", "MQTT topic for snapshots")

	for _, name := range []string{"config", "debug", "no-tui", "mock", "mock-failure-rate", "port", "baud", "interval", "log-file", "http-addr", "dtc-sweep"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.BindPFlag("mqtt.broker", flags.Lookup("mqtt-broker"))
	viper.BindPFlag("mqtt.topic", flags.Lookup("mqtt-topic"))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
