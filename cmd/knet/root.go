//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qxcheng/kernel-net/internal/config"
	"github.com/qxcheng/kernel-net/internal/log"
)

var version = "0.1.0"

var (
	configFile string
	logLevel   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "knet",
	Short: "knet - a user space ARP/IPv4/ICMP stack",
	Long: `knet runs a small TCP/IP stack in user space on top of TAP devices,
an Intel 8254x NIC mapped through sysfs, or in-memory channel adapters.

Addresses and routes come from the config file and can be changed at
runtime from the console started by "knet run".`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute 解析命令行并执行子命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level from the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ipCmd, arpCmd, arpingCmd, pingCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
		if err := c.ValidateAndApplyDefaults(); err != nil {
			return err
		}
	}
	if err := log.Init(c.Log); err != nil {
		return fmt.Errorf("failed to init log: %w", err)
	}
	cfg = c
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the knet version",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "knet %s\n", version)
	},
}
