// Command softphonectl drives a running softphone through its JSON API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	types "github.com/sebas/softphone/api/types/v1"
	"github.com/sebas/softphone/internal/ui/client"
)

const usage = `usage: softphonectl [-addr host:port] <command> [args]

commands:
  status
  connect -server <url> -user <user> -password <password>
  disconnect
  reset
  call <destination>
  answer
  hangup
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "softphonectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("softphonectl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }

	addr := "localhost:3000"
	if v := getenv("SOFTPHONE_ADDR"); v != "" {
		addr = v
	}
	fs.StringVar(&addr, "addr", addr, "softphone HTTP address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	c := client.NewClient(addr)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var (
		st  *types.StatusResponse
		err error
	)
	switch cmd {
	case "status":
		st, err = c.Status(ctx)
	case "connect":
		var req types.ConnectRequest
		cfs := flag.NewFlagSet("connect", flag.ContinueOnError)
		cfs.SetOutput(out)
		cfs.StringVar(&req.Server, "server", getenv("SIP_URL"), "SIP server endpoint")
		cfs.StringVar(&req.User, "user", getenv("SIP_USER_NAME"), "SIP user")
		cfs.StringVar(&req.Password, "password", getenv("SIP_USER_PASSWORD"), "SIP password")
		if err := cfs.Parse(rest); err != nil {
			return err
		}
		st, err = c.Connect(ctx, req)
	case "disconnect":
		st, err = c.Disconnect(ctx)
	case "reset":
		st, err = c.Reset(ctx)
	case "call":
		dest := strings.Join(rest, " ")
		if dest == "" {
			dest = getenv("CALL_TO_URL")
		}
		if dest == "" {
			return errors.New("call: missing destination")
		}
		st, err = c.Call(ctx, dest)
	case "answer":
		st, err = c.Answer(ctx)
	case "hangup":
		st, err = c.Hangup(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status != nil {
		printStatus(out, apiErr.Status)
	}
	if err != nil {
		return err
	}
	printStatus(out, st)
	return nil
}

func printStatus(w io.Writer, st *types.StatusResponse) {
	fmt.Fprintf(w, "status:     %s\n", st.Label)
	fmt.Fprintf(w, "connection: %s\n", st.Connection)
	fmt.Fprintf(w, "call:       %s\n", st.Call)
	if st.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", st.Error)
	}

	var enabled []string
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"connect", st.Controls.Connect},
		{"disconnect", st.Controls.Disconnect},
		{"reset", st.Controls.Reset},
		{"call", st.Controls.Call},
		{"answer", st.Controls.Answer},
		{"hangup", st.Controls.Hangup},
	} {
		if c.on {
			enabled = append(enabled, c.name)
		}
	}
	if len(enabled) == 0 {
		enabled = []string{"none"}
	}
	fmt.Fprintf(w, "available:  %s\n", strings.Join(enabled, " "))
}
