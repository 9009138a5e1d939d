package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BaSui01/agentrun/workflow/approval"
)

// terminalApprover 在终端逐个询问审批请求。
// 输入只有一个读取协程，请求按到达顺序串行提问。
type terminalApprover struct {
	out   io.Writer
	lines <-chan string
	by    string

	mu   sync.Mutex
	gate *approval.Gate
}

func newTerminalApprover(in io.Reader, out io.Writer, by string) *terminalApprover {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &terminalApprover{out: out, lines: lines, by: by}
}

// bind 设置决策提交的闸门，闸门创建时需要 sink，两者互相引用
func (t *terminalApprover) bind(g *approval.Gate) {
	t.mu.Lock()
	t.gate = g
	t.mu.Unlock()
}

// RequestDecision 实现 approval.Sink
func (t *terminalApprover) RequestDecision(ctx context.Context, req *approval.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	hint := "y/N"
	if req.Default == approval.Approve {
		hint = "Y/n"
	}
	fmt.Fprintf(t.out, "approve step %q of run %s? (default %s after %s) [%s]: ",
		req.StepID, req.RunID, req.Default, req.Timeout, hint)

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return io.EOF
		}
		decision, err := parseAnswer(line, req.Default)
		if err != nil {
			fmt.Fprintln(t.out, err)
			return err
		}
		return t.gate.Decide(req.ID, approval.Response{Decision: decision, By: t.by, Comment: "terminal"})
	}
}

func parseAnswer(line string, def approval.Decision) (approval.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return def, nil
	case "y", "yes", "approve":
		return approval.Approve, nil
	case "n", "no", "reject":
		return approval.Reject, nil
	default:
		return "", fmt.Errorf("unrecognised answer %q", line)
	}
}

// autoApprover 对每个请求立即给出固定决策
func autoApprover(decision approval.Decision, gate func() *approval.Gate) approval.Sink {
	return approval.SinkFunc(func(ctx context.Context, req *approval.Request) error {
		return gate().Decide(req.ID, approval.Response{Decision: decision, By: "auto", Comment: "--auto-approve"})
	})
}
