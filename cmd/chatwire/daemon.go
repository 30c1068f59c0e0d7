package main

import (
	"fmt"
	"os"

	"chatwire/cmd/chatwire/daemon"
)

// runDaemon installs, removes or inspects the gateway system service.
func runDaemon() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: chatwire daemon <install|uninstall|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Printf("installed %s (config: %s)\n", cfg.Name, cfg.ConfigPath)
		return nil
	case "uninstall":
		return daemon.Uninstall("chatwire")
	case "status":
		status, err := daemon.Status("chatwire")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("chatwire is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("chatwire is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}
