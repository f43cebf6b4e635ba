package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"OmniDimension/internal/conversation"
	"OmniDimension/internal/orchestrator"
	"OmniDimension/internal/voice"
)

var consoleHistory int

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive operator console on stdin",
	Long: `Reads commands from stdin and runs each through the orchestrator.
The HTTP API keeps running in the background so the remote reply tier can
reach the completion proxy.

Console commands:
  /voice     toggle voice capture
  /history   print recent messages
  /quit      exit`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().IntVar(&consoleHistory, "history", 20, "/history 打印的消息条数")
}

func runConsole(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	wait := a.startProcessor(ctx)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := a.server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("HTTP 服务异常退出", slog.Any("error", err))
		}
	}()
	defer func() {
		cancel()
		<-serverDone
		wait()
	}()

	c := &console{
		orchestrator: a.orchestrator,
		voice:        a.voice,
		history:      a.store,
		out:          cmd.OutOrStdout(),
		depth:        consoleHistory,
	}
	return c.run(ctx, cmd.InOrStdin())
}

// console 是基于行的操作员交互循环。
type console struct {
	orchestrator *orchestrator.Orchestrator
	voice        *voice.Controller
	history      *conversation.Store
	out          io.Writer
	depth        int
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "OmniDimension console. Type /quit to exit.")
	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle 处理一行输入，返回 true 表示退出。
func (c *console) handle(ctx context.Context, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/voice":
		state, err := c.voice.Toggle(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "voice: %v\n", err)
		}
		fmt.Fprintf(c.out, "voice: %s\n", state)
		return false
	case "/history":
		for _, msg := range c.history.Recent(c.depth) {
			printMessage(c.out, msg)
		}
		return false
	}

	outcome, err := c.orchestrator.ExecuteCommand(ctx, line)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		fmt.Fprintln(c.out, "busy: a command is already in flight")
	case err != nil:
		fmt.Fprintf(c.out, "error: %v\n", err)
	case outcome != nil:
		printMessage(c.out, outcome.Reply)
	}
	return false
}

func printMessage(w io.Writer, msg conversation.Message) {
	prefix := string(msg.Role)
	if msg.IsError {
		prefix += "!"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), prefix, msg.Content)
	if n := len(msg.QueuedActions); n > 0 {
		fmt.Fprintf(w, "    %d action(s) queued", n)
		if source := msg.Source(); source != "" {
			fmt.Fprintf(w, ", reply via %s", source)
		}
		fmt.Fprintln(w)
	}
}
