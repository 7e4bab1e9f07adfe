//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qxcheng/kernel-net/internal/log"
	"github.com/qxcheng/kernel-net/internal/node"
)

var noConsole bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack in foreground",
	Long: `Build the stack from the config file and run it until SIGINT/SIGTERM.

The stack will:
  1. Open every adapter in the config, numbered in list order
  2. Assign the configured addresses and install the static routes
  3. Run the interrupt pumps of the TAP and e1000 adapters
  4. Read console commands from stdin (see "help" in the console)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&noConsole, "no-console", false,
		"do not read commands from stdin")
}

func runNode(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.Build(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer n.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(ctx)
	})
	if !noConsole {
		// 读stdin会一直阻塞，不放进errgroup；控制台退出时结束整个进程
		go func() {
			if err := n.Console(ctx, os.Stdin, os.Stdout); err != nil {
				log.WithComponent("console").WithError(err).Warn("console stopped")
			}
			cancel()
		}()
	}
	err = g.Wait()
	log.WithComponent("node").Info("stopped")
	return err
}
