// Command rethinkcli opens a single connection to a document database,
// runs one query supplied on the command line, and prints the result.
// It exists to exercise rethinkconn.Connect/Run end to end against a real
// server, the way cmd/azurl exercised aznet's listener construction.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/atsika/rethinkconn"
	"github.com/atsika/rethinkconn/azrelay"
	"github.com/atsika/rethinkconn/internal/wire"
)

type options struct {
	Host      string `short:"H" long:"host" default:"localhost" description:"database host"`
	Port      int    `short:"p" long:"port" default:"28015" description:"database port"`
	User      string `short:"u" long:"user" default:"admin" description:"SCRAM user"`
	Password  bool   `long:"password" description:"prompt for a password on stdin"`
	Verbose   bool   `short:"v" long:"verbose" description:"log wire-level tracing"`
	Term      string `long:"term" description:"raw query term JSON, e.g. [14,[\"test\"]]"`
	RelayURL  string `long:"relay-url" description:"dial through azrelay.Dial instead of TCP, e.g. https://account.blob.core.windows.net/?handshake=...&token=..."`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Term == "" {
		fmt.Fprintln(os.Stderr, "rethinkcli: --term is required")
		os.Exit(2)
	}

	password := ""
	if opts.Password {
		fmt.Fprint(os.Stderr, "password: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rethinkcli: reading password: %v\n", err)
			os.Exit(1)
		}
		password = string(b)
	}

	connOpts := []rethinkconn.Option{
		rethinkconn.WithHost(opts.Host),
		rethinkconn.WithPort(opts.Port),
		rethinkconn.WithCredentials(opts.User, password),
	}
	if opts.Verbose {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		connOpts = append(connOpts, rethinkconn.WithLogger(log))
	}
	if opts.RelayURL != "" {
		connOpts = append(connOpts, rethinkconn.WithDialer(relayDialer(opts.RelayURL)))
	}

	conn, err := rethinkconn.Connect(connOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rethinkcli: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	resp, err := conn.Run(context.Background(), wire.StartQuery{Term: wire.Term(opts.Term)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rethinkcli: run: %v\n", err)
		os.Exit(1)
	}

	if resp.Cursor != nil {
		printCursor(resp.Cursor)
		return
	}
	for _, row := range resp.Rows {
		fmt.Println(string(row))
	}
}

// relayDialer adapts azrelay.Dial to the rethinkconn.WithDialer shape, for
// reaching a database that only the relay side (cmd/relaybridge) can see
// directly — the store-and-forward counterpart to a plain TCP dial.
func relayDialer(address string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return azrelay.Dial("azblob", address, azrelay.WithContext(ctx))
	}
}

func printCursor(cur *rethinkconn.Cursor) {
	ctx := context.Background()
	for {
		row, ok, err := cur.Next(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rethinkcli: cursor: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			return
		}
		fmt.Println(string(row))
	}
}
