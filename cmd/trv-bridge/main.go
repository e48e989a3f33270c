// Trv-bridge connects MQTT to a fleet of BLE thermostatic radiator
// valves through ESPHome bluetooth proxies.
//
// The bridge holds a persistent control connection to every configured
// proxy, tracks valve presence from the advertisement stream, and
// actuates valves on command by driving the vendor protocol end to end
// (connect, synchronize, read, set mode, set temperature, verify).
//
// Usage:
//
//	trv-bridge run [config.yaml]
//
// See 'trv-bridge --help' for the other commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/muurk/trvbridge/internal/bus"
	"github.com/muurk/trvbridge/internal/config"
	"github.com/muurk/trvbridge/internal/controller"
	"github.com/muurk/trvbridge/internal/discovery"
	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/metrics"
	"github.com/muurk/trvbridge/internal/presence"
	"github.com/muurk/trvbridge/internal/proxy"
	"github.com/muurk/trvbridge/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trv-bridge",
	Short: "MQTT to BLE radiator valve bridge",
	Long: `Bridge MQTT commands to BLE thermostatic radiator valves.

Radio access goes through ESPHome bluetooth proxies: the bridge keeps a
control connection to each configured proxy and routes every valve
command to the first proxy that completes the session. Valve presence
and signal strength are tracked from the proxies' advertisement
streams and published for Home Assistant.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

var (
	logLevel       string
	promptPassword bool
)

var runCmd = &cobra.Command{
	Use:   "run [config-file]",
	Short: "Run the bridge",
	Long: `Run the bridge with the given configuration file.

The positional argument is the path to the configuration file; it
defaults to ` + config.DefaultPath + `.`,
	Example: `  # Run with the default ./config.yaml
  trv-bridge run

  # Run with an explicit configuration and debug logging
  trv-bridge run /etc/trv-bridge/config.yaml --log-level debug

  # Prompt for the MQTT password instead of storing it in the file
  trv-bridge run --prompt-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $"+logging.LogLevelEnvVar+" or info")
	runCmd.Flags().BoolVar(&promptPassword, "prompt-password", false, "Prompt for the MQTT password on startup")
}

func runBridge(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	defer logging.Sync()

	configPath := config.DefaultPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if promptPassword {
		password, err := readPassword("MQTT password: ")
		if err != nil {
			return err
		}
		cfg.MQTT.Password = password
	}

	logging.Info("Starting bridge",
		zap.String("config", configPath),
		zap.String("version", version.Full()),
		zap.Int("proxies", len(cfg.EnabledProxies())),
		zap.Int("valves", len(cfg.Valves)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	col := metrics.NewCollector(nil)

	// The bridge publishes for the controller and the controller
	// consumes the bridge's commands; the function indirection breaks
	// the construction cycle.
	var ctrl *controller.Controller
	adapter := bus.NewBridge(cfg.Valves, bus.CommanderFunc(func(name string, on bool) {
		ctrl.Dispatch(name, on)
	}), col)

	nameByMAC := make(map[string]string, len(cfg.Valves))
	for _, v := range cfg.Valves {
		nameByMAC[v.MAC] = v.Name
	}
	tracker := presence.NewTracker(nameByMAC, adapter)
	ctrl = controller.New(cfg, proxy.NewESPHomeClient, adapter, tracker, col)

	client, err := bus.NewPahoClient(cfg.MQTT, adapter.Bind)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
			logging.Error("Metrics endpoint failed", zap.Error(err))
		}
	}()

	ctrl.Run(ctx)
	logging.Info("Shutdown complete")
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// Output styles for the human-facing commands.
var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and run the full
validation, then print a summary of the resulting registry.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultPath
		if len(args) > 0 {
			configPath = args[0]
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fmt.Println(okStyle.Render("✓") + " " + titleStyle.Render(configPath))
		fmt.Printf("  mqtt: %s:%d\n", cfg.MQTT.Host, cfg.MQTT.Port)
		if cfg.Metrics.Listen != "" {
			fmt.Printf("  metrics: %s\n", cfg.Metrics.Listen)
		}

		fmt.Println(titleStyle.Render("Proxies"))
		for _, p := range cfg.BluetoothProxies {
			line := fmt.Sprintf("  %s:%d", p.Hostname, p.Port)
			if !p.IsEnabled() {
				line += " " + dimStyle.Render("(disabled)")
			}
			if p.NoisePSK != "" {
				line += " " + warnStyle.Render("(noise_psk set: encrypted transport is not supported)")
			}
			fmt.Println(line)
		}

		fmt.Println(titleStyle.Render("Valves"))
		for _, v := range cfg.Valves {
			fmt.Printf("  %s  %s  on=%d°C off=%d°C  proxies=%v\n",
				v.Name, dimStyle.Render(v.MAC), v.OnTemperature, v.OffTemperature, v.ProxyOrder)
		}
		return nil
	},
}

var discoverTimeout int

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover ESPHome nodes on the local network",
	Long: `Browse mDNS for ESPHome nodes and print them. Useful for
filling in the bluetooth_proxies section of the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(dimStyle.Render(fmt.Sprintf("Browsing %s for %ds...", discovery.ServiceType, discoverTimeout)))

		scanner := discovery.NewScanner()
		scanner.Timeout = time.Duration(discoverTimeout) * time.Second
		nodes, err := scanner.Scan()
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println(warnStyle.Render("No ESPHome nodes found"))
			return nil
		}

		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
		fmt.Println(titleStyle.Render(fmt.Sprintf("Found %d node(s)", len(nodes))))
		for _, n := range nodes {
			line := fmt.Sprintf("  %s  %s:%d", titleStyle.Render(n.Name), n.IP, n.Port)
			if v := n.Metadata["version"]; v != "" {
				line += "  " + dimStyle.Render("esphome "+v)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 10, "Discovery timeout in seconds")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trv-bridge %s\n", version.Full())
	},
}
