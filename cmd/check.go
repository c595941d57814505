package cmd

import (
	"fmt"

	"palisade/internal/config"
)

// RunCheck validates the configuration file and prints a summary.
func RunCheck(configFile string, verbose bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid!")
	if verbose {
		fmt.Printf("Log level:      %s\n", cfg.LogLevel)
		fmt.Printf("State file:     %s\n", cfg.StateFile)
		fmt.Printf("Refresh floor:  %s\n", cfg.DNS.MinRefreshIntervalDuration())
		if cfg.Controller != nil {
			fmt.Printf("Controller:     %s (heartbeat %s)\n",
				cfg.Controller.URL, cfg.Controller.HeartbeatIntervalDuration())
		} else {
			fmt.Println("Controller:     not configured")
		}
		if cfg.DHCP != nil && cfg.DHCP.Enabled {
			fmt.Printf("DHCP listener:  %s\n", cfg.DHCP.Interface)
		}
		if cfg.LogWatch != nil && cfg.LogWatch.Enabled {
			fmt.Printf("Log watcher:    %s\n", cfg.LogWatch.Path)
		}
		if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
			fmt.Printf("Metrics:        %s\n", cfg.Metrics.Listen)
		}
	}
	return nil
}
