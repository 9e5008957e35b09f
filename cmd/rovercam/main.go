package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"rovercam/internal/config"
	"rovercam/internal/version"
)

var (
	cfgFile       string
	serviceAction string
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "rovercam",
	Short: "Receive-only WebRTC camera manager for the rover",
	Long: `Discovers the rover's cameras, negotiates a receive-only WebRTC session per
camera on request and serves the slot table to the display over HTTP.
Can be installed as a system service.`,
	SilenceUsage: true,
	RunE:         runManager,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rovercam", version.String())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("application failure: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.Flags().StringVar(&serviceAction, "service", "", "Service action: install, uninstall, start, stop")

	camerasCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	rootCmd.AddCommand(camerasCmd, versionCmd)
}

func runManager(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	svcConfig := &service.Config{
		Name:        "rovercam",
		DisplayName: "Rover Camera Manager",
		Description: "Receives the rover's camera feeds over WebRTC",
		// The installed service is started with the same flags, minus the action.
		Arguments: serviceArguments(os.Args[1:]),
	}

	s, err := service.New(&program{cfg: cfg}, svcConfig)
	if err != nil {
		return err
	}

	if serviceAction != "" {
		if err := service.Control(s, serviceAction); err != nil {
			return fmt.Errorf("failed to %s service: %w", serviceAction, err)
		}
		fmt.Printf("Service action '%s' completed successfully.\n", serviceAction)
		return nil
	}

	logger, err := s.Logger(nil)
	if err != nil {
		return err
	}
	if err := s.Run(); err != nil {
		_ = logger.Error(err)
		return err
	}
	return nil
}

// serviceArguments drops --service and its value from args.
func serviceArguments(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--service" || arg == "-service":
			i++
		case strings.HasPrefix(arg, "--service=") || strings.HasPrefix(arg, "-service="):
		default:
			out = append(out, arg)
		}
	}
	return out
}
