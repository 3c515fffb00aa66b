// shellgate is the operator CLI: log in to a relay server, list hosts, and
// open interactive sessions to them.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/shellgate/shellgate/internal/client"
	"github.com/shellgate/shellgate/internal/relay"
	localterm "github.com/shellgate/shellgate/internal/term"
	"github.com/shellgate/shellgate/internal/ui"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: shellgate <command> [flags]

Commands:
  login    --server <url> [--username <user>]   authenticate and save the session
  hosts                                         list registered hosts
  connect  <host> [--user <connect-user>]       open an interactive session
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "login":
		err = cmdLogin(os.Args[2:])
	case "hosts":
		err = cmdHosts(os.Args[2:])
	case "connect":
		err = cmdConnect(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "shellgate: %v\n", err)
		os.Exit(1)
	}
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	server := fs.String("server", "", "Server base URL, e.g. https://gate.example.com")
	username := fs.String("username", "", "Username (prompted if omitted)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *server != "" {
		cfg.Server = strings.TrimRight(*server, "/")
	}
	if cfg.Server == "" {
		return errors.New("no server configured, pass --server")
	}

	user := *username
	reader := bufio.NewReader(os.Stdin)
	if user == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read username: %w", err)
		}
		user = strings.TrimSpace(line)
	}

	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	api := client.New(cfg.Server, "")
	token, err := api.Login(context.Background(), user, string(pw))
	if err != nil {
		return err
	}

	cfg.Token = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("Logged in to %s as %s.\n", cfg.Server, user)
	return nil
}

func apiFromConfig() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server == "" || cfg.Token == "" {
		return nil, errors.New("not logged in, run 'shellgate login --server <url>' first")
	}
	return client.New(cfg.Server, cfg.Token), nil
}

func cmdHosts(args []string) error {
	fs := flag.NewFlagSet("hosts", flag.ExitOnError)
	fs.Parse(args)

	api, err := apiFromConfig()
	if err != nil {
		return err
	}
	hosts, err := api.Hosts(context.Background())
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Println("No hosts registered.")
		return nil
	}

	w := bufio.NewWriter(os.Stdout)
	fmt.Fprintf(w, "%-4s %-24s %-24s %-10s\n", "ID", "NAME", "ADDRESS", "STATUS")
	for _, h := range hosts {
		name := h.Name
		if h.DisplayName != "" {
			name = h.DisplayName
		}
		fmt.Fprintf(w, "%-4d %-24s %-24s %-10s\n", h.ID, name, h.Address, h.Status)
	}
	return w.Flush()
}

func cmdConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	connectUser := fs.String("user", "", "Remote login identity (skips the picker)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: shellgate connect <host> [--user <connect-user>]")
	}
	hostName := fs.Arg(0)

	api, err := apiFromConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Capabilities are fetched fresh so a revoked privilege is caught
	// before any server round trip for the session itself.
	authz, err := api.Me(ctx)
	if err != nil {
		return err
	}
	host, err := api.HostByName(ctx, hostName)
	if err != nil {
		return err
	}

	neg := &relay.Negotiator{
		Authz:    authz,
		Resolver: api,
		Picker: relay.PickerFunc(func(h relay.Host, users []string) (string, error) {
			if *connectUser != "" {
				for _, u := range users {
					if u == *connectUser {
						return u, nil
					}
				}
				return "", fmt.Errorf("you are not authorized to connect as %q", *connectUser)
			}
			name := h.Name
			if h.DisplayName != "" {
				name = h.DisplayName
			}
			return ui.PickConnectUser(ctx, name, users)
		}),
	}

	ticket, err := neg.Negotiate(ctx, host)
	if err != nil {
		var denial *relay.Denial
		if errors.As(err, &denial) && denial.Reason == relay.DenialSelectionAborted && errors.Unwrap(denial) == nil {
			// Operator cancelled the picker.
			return nil
		}
		return err
	}

	return runSession(ctx, api, ticket)
}

func runSession(ctx context.Context, api *client.Client, ticket relay.Ticket) error {
	ch, err := relay.DialChannel(ctx, api.RelayURL(ticket.Host.ID, ticket.ConnectUser), api.AuthHeader())
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	raw, err := localterm.EnterRaw()
	if err != nil {
		ch.Close()
		return err
	}
	defer raw.Restore()

	var closeNotice string
	var closeReason relay.CloseReason
	sess := relay.NewSession(ticket, relay.Events{
		OnData: func(p []byte) {
			os.Stdout.Write(p)
		},
		OnClosed: func(reason relay.CloseReason, notice string) {
			closeReason = reason
			closeNotice = notice
		},
	})

	size := localterm.CurrentSize()
	if err := sess.Open(ctx, ch, relay.Dimensions{Cols: size.Cols, Rows: size.Rows}); err != nil {
		raw.Restore()
		ch.Close()
		return err
	}

	// Local keystrokes. Ctrl-] is the escape hatch that ends the session
	// from this side.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if buf[0] == 0x1d { // Ctrl-]
					sess.Close()
					return
				}
				sess.SubmitInput(buf[:n])
			}
			if err != nil {
				if err != io.EOF {
					sess.Close()
				}
				return
			}
		}
	}()

	sizes, stopWatch := localterm.WatchResize()
	defer stopWatch()
	go func() {
		for sz := range sizes {
			sess.RequestResize(sz.Cols, sz.Rows)
		}
	}()

	<-sess.Done()
	raw.Restore()

	if closeNotice != "" {
		fmt.Print(closeNotice)
	}
	if closeReason == relay.ReasonTransportError || closeReason == relay.ReasonHandshakeTimeout {
		return errors.New("session ended abnormally")
	}
	return nil
}
