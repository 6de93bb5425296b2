package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-rtc/internal/dotenv"
	"github.com/vango-go/vai-rtc/pkg/realtime/session"
)

type stdio struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func runMain(ctx context.Context, args []string, std stdio, deps cliDeps) int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(std.errOut, "vai-rtc: %v\n", err)
		return 1
	}

	cmd := newRootCmd(std, deps)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return 0
		}
		fmt.Fprintf(std.errOut, "vai-rtc: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], stdio{in: os.Stdin, out: os.Stdout, errOut: os.Stderr}, defaultCLIDeps())
	stop()
	os.Exit(code)
}
