//go:build linux

package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/protocol/admin"
)

const prompt = "knet> "

// Console 逐行读取命令交给Admin执行，直到r读完、ctx取消或者输入exit/quit。
// 输出写到w
func (n *Node) Console(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	fmt.Fprint(w, prompt)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprint(w, admin.Usage)
		default:
			code, err := n.Admin.Exec(ctx, line)
			switch {
			case errors.Is(err, admin.ErrUsage):
				fmt.Fprintf(w, "%v\n%s", err, admin.Usage)
			case err != nil:
				fmt.Fprintf(w, "error: %v\n", err)
			case code != admin.CodeOK && !isReport(line):
				fmt.Fprintf(w, "error: %v (%#x)\n", code, uint32(code))
			}
			n.log.WithFields(logrus.Fields{"cmd": line, "code": code}).Debug("console command")
		}
		fmt.Fprint(w, prompt)
	}
	return sc.Err()
}

// arping的返回值是1/0而不是错误码
func isReport(line string) bool {
	return strings.HasPrefix(line, "arping")
}
