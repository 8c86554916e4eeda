package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const launchAgentLabel = "com.pigeon.worker"

func launchAgentPlistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func systemdUnitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", "pigeon-worker.service")
}

// workerInstallCmd generates a process-supervisor unit for `pigeon worker`,
// generalizing the teacher's macOS-only LaunchAgent installer to also emit a
// systemd user unit.
func workerInstallCmd() *cobra.Command {
	var initSystem string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Generate a supervisor unit for pigeon worker",
		Long: `Writes a unit file that runs "pigeon worker" as a long-lived service
under systemd (--init systemd) or launchd (--init launchd). Does not enable
or start the service — follow the printed next steps to do that.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable path: %w", err)
			}

			switch initSystem {
			case "systemd":
				return installSystemd(exe)
			case "launchd":
				return installLaunchd(exe)
			default:
				return fmt.Errorf("unknown --init %q; supported: systemd, launchd", initSystem)
			}
		},
	}

	cmd.Flags().StringVar(&initSystem, "init", defaultInitSystem(), "supervisor to target: systemd or launchd")
	return cmd
}

func defaultInitSystem() string {
	if _, err := os.Stat("/Library/LaunchAgents"); err == nil {
		return "launchd"
	}
	return "systemd"
}

func installSystemd(exe string) error {
	unitPath := systemdUnitPath()
	unit := fmt.Sprintf(`[Unit]
Description=pigeon worker
After=network.target

[Service]
ExecStart=%s worker
Restart=on-failure
RestartSec=2

[Install]
WantedBy=default.target
`, exe)

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n\n", unitPath)
	fmt.Println("Next steps:")
	fmt.Println("  systemctl --user daemon-reload")
	fmt.Println("  systemctl --user enable --now pigeon-worker")
	return nil
}

func installLaunchd(exe string) error {
	home, _ := os.UserHomeDir()
	logFile := filepath.Join(home, ".pigeon", "worker.log")
	plistPath := launchAgentPlistPath()

	plist := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>worker</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`, xmlEscape(launchAgentLabel), xmlEscape(exe), xmlEscape(logFile), xmlEscape(logFile))

	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n\n", plistPath)
	fmt.Println("Next steps:")
	fmt.Printf("  launchctl bootstrap gui/%d %s\n", os.Getuid(), plistPath)
	return nil
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
