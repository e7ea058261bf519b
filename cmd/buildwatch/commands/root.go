package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/safeops/buildwatch/internal/logging"
)

const Version = "1.0.0"

var (
	logLevelFlags []string
	configPath    string
)

var rootCmd = &cobra.Command{
	Use:   "buildwatch",
	Short: "BuildWatch - CI build log anomaly detection",
	Long: `BuildWatch mines CI build logs into templates, extracts per-build
feature vectors, and flags anomalous builds with an isolation forest
plus hardcoded security rules.`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level for packages. Use a bare level for the default, or 'package=level' for per-package.\n"+
			"Examples: --log-level debug (all), --log-level worker.parser=debug --log-level queue=warn")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to an optional YAML configuration file. Environment variables override it.")

	rootCmd.AddCommand(parserCmd)
	rootCmd.AddCommand(detectorCmd)
}

// HandleError prints the error and exits.
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// setupLog initializes logging from the parsed --log-level flags.
func setupLog(flags []string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(flags)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags splits the flag values into a default level and
// per-package overrides. A bare value like "debug" sets the default.
func parseLogLevelFlags(flags []string) (string, map[string]string, error) {
	defaultLevel := "info"
	packageLevels := make(map[string]string)

	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			defaultLevel = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		pkg, level := parts[0], parts[1]
		if pkg == "default" {
			defaultLevel = level
			continue
		}
		packageLevels[pkg] = level
	}

	if err := validateLogLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range packageLevels {
		if err := validateLogLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %v", pkg, err)
		}
	}
	return defaultLevel, packageLevels, nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", level)
}
