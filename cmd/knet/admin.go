//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qxcheng/kernel-net/internal/node"
	"github.com/qxcheng/kernel-net/protocol/admin"
)

// 单次执行的管理命令：按配置组装协议栈，运行中断泵，执行一条命令后退出
func oneShot(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(append([]string{cmd.Name()}, args...), " ")
			return execLine(cmd.Context(), line)
		},
	}
}

var (
	ipCmd     = oneShot("ip {addr|route} [args...]", "Show or change addresses and routes")
	arpCmd    = oneShot("arp", "Print the ARP table")
	arpingCmd = oneShot("arping IP", "Send ARP requests to IP")
	pingCmd   = oneShot("ping IP", "Send ICMP echo requests to IP")
)

func init() {
	arpCmd.Args = cobra.NoArgs
	arpingCmd.Args = cobra.ExactArgs(1)
	pingCmd.Args = cobra.ExactArgs(1)
	ipCmd.Args = cobra.MinimumNArgs(1)
}

func execLine(ctx context.Context, line string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := node.Build(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	code, err := n.Admin.Exec(ctx, line)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, admin.Usage)
	}
	if code != admin.CodeOK && !strings.HasPrefix(line, "arping") {
		return fmt.Errorf("%v (%#x)", code, uint32(code))
	}
	return nil
}
