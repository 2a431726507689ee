package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/ipfilter/internal/svc"
)

// serviceAnnounceInterval is the announce interval used under a service manager.
const serviceAnnounceInterval = 30 * time.Minute

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the ipfilter system service",
		Long: `Install, control, and manage the session daemon as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo ipfilter service install --config /etc/ipfilter/ipfilter.yaml
  sudo ipfilter service start
  sudo ipfilter service status`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultServiceName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the daemon as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := getServiceConfig()
			log.Info().Str("name", cfg.Name).Msg("uninstalling service")
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Printf("Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the system service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := getServiceConfig()
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getServiceConfig()
			fmt.Printf("Service: %s\n", cfg.Name)
			status, err := svc.Status(cfg)
			if err != nil {
				fmt.Printf("Status:  not installed or unknown\n")
				fmt.Printf("Error:   %v\n", err)
				return nil
			}
			fmt.Printf("Status:  %s\n", svc.StatusString(status))
			fmt.Printf("Config:  %s\n", cfg.ConfigPath)
			return nil
		},
	})

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.ServiceConfig{
		Name:        serviceName,
		DisplayName: svc.DefaultDisplayName,
		Description: svc.DefaultDescription,
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := loadServeConfig(cfg.ConfigPath, false); err != nil {
		return fmt.Errorf("check config %s: %w", cfg.ConfigPath, err)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  ipfilter service start --name %s\n", cfg.Name)
	return nil
}

// runAsService is the entry point when the service manager starts the binary.
func runAsService() {
	setupLogging()

	configPath := svc.ConfigPathFromArgs(os.Args)
	log.Info().Str("config", configPath).Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName,
		DisplayName: svc.DefaultDisplayName,
		Description: svc.DefaultDescription,
		ConfigPath:  configPath,
	}
	prg := &svc.Program{
		ConfigPath: configPath,
		Run: func(ctx context.Context, configPath string) error {
			sessCfg, err := loadServeConfig(configPath, true)
			if err != nil {
				return err
			}
			return runServe(ctx, sessCfg, serviceAnnounceInterval)
		},
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
