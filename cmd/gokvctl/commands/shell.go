package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvd/internal/client"
	"github.com/dantte-lp/gokvd/internal/wire"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"CONNECT <ip> <port> <api-key>", "Connect and authenticate to a daemon"},
	{"ADD <key> <value>", "Insert or replace a key (value sent as string)"},
	{"FIND <key>", "Look a key up"},
	{"REMOVE <key>", "Remove a key"},
	{"HELP", "Show this help message"},
	{"EXIT", "Leave the interactive shell"},
}

// errNotConnected is printed when a data command runs before CONNECT.
var errNotConnected = errors.New("not connected; use CONNECT <ip> <port> <api-key>")

// errAlreadyConnected rejects a second CONNECT on a live connection.
var errAlreadyConnected = errors.New("already connected; EXIT and start over to reconnect")

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive gokvctl shell",
		Long:  "Launches a REPL speaking the daemon protocol. Commands are case-insensitive; type HELP for the list.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh := &shell{ctx: cmd.Context()}
			defer sh.close()
			return sh.run()
		},
	}
}

// shell holds the REPL state: at most one live connection.
type shell struct {
	ctx  context.Context
	conn *client.Client
}

// run reads lines until EXIT or end of input. Failures print a one-line
// diagnostic and the loop continues; the exit code is 0 on a clean leave.
func (sh *shell) run() error {
	printShellBanner()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("gokvctl> ")

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("gokvctl> ")
			continue
		}

		if strings.EqualFold(fields[0], "EXIT") {
			return nil
		}

		if err := sh.dispatch(fields[0], fields[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}

		fmt.Print("gokvctl> ")
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	return nil
}

// dispatch executes one shell command. Command names are case-insensitive;
// arguments may not contain whitespace (the tokenizer has already split on
// it).
func (sh *shell) dispatch(name string, args []string) error {
	switch strings.ToUpper(name) {
	case "HELP", "?":
		printShellHelp()
		return nil

	case "CONNECT":
		if len(args) != 3 {
			return errors.New("usage: CONNECT <ip> <port> <api-key>")
		}
		return sh.connect(args[0], args[1], args[2])

	case "ADD":
		if len(args) != 2 {
			return errors.New("usage: ADD <key> <value>")
		}
		if sh.conn == nil {
			return errNotConnected
		}
		// The shell always sends values as strings.
		if err := sh.conn.Add(sh.ctx, args[0], wire.StringValue(args[1])); err != nil {
			return err
		}
		fmt.Printf("OK %s\n", args[0])
		return nil

	case "FIND":
		if len(args) != 1 {
			return errors.New("usage: FIND <key>")
		}
		if sh.conn == nil {
			return errNotConnected
		}
		val, err := sh.conn.Find(sh.ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", val.String(), val.Type)
		return nil

	case "REMOVE":
		if len(args) != 1 {
			return errors.New("usage: REMOVE <key>")
		}
		if sh.conn == nil {
			return errNotConnected
		}
		if err := sh.conn.Remove(sh.ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("OK %s\n", args[0])
		return nil

	default:
		return fmt.Errorf("unknown command %q; type HELP", name)
	}
}

// connect establishes the shell's connection. Reconnecting over a live
// connection is rejected.
func (sh *shell) connect(ip, port, key string) error {
	if sh.conn != nil {
		return errAlreadyConnected
	}

	addr := net.JoinHostPort(ip, port)
	conn, err := client.Connect(sh.ctx, addr, key)
	if err != nil {
		return err
	}

	sh.conn = conn
	fmt.Printf("Connected to %s\n", addr)
	return nil
}

// close drops the live connection, if any.
func (sh *shell) close() {
	if sh.conn != nil {
		sh.conn.Close()
		sh.conn = nil
	}
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner() {
	fmt.Println("gokvd interactive shell. Type HELP for available commands, EXIT to quit.")
	fmt.Println()
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-32s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
