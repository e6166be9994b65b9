package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/youruser/streamchat/internal/stub"
	"github.com/youruser/streamchat/internal/turn"
)

// withApp opens the client, runs fn and closes the client again.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(turn.NopObserver{})
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and manage rooms (signed in only)",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rooms, err := a.rooms.List(cmd.Context())
		if err != nil {
			return err
		}
		printRooms(cmd.OutOrStdout(), rooms)
		return nil
	}),
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a room; an empty name is titled after the first reply",
	Args:  cobra.ArbitraryArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rm, err := a.rooms.Create(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), roomLabel(rm))
		return nil
	}),
}

var roomsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rm, err := a.rooms.Rename(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), roomLabel(rm))
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's messages",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if _, err := a.rooms.Switch(cmd.Context(), args[0]); err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), a.store.Messages())
		return nil
	}),
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the remaining free messages",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), quotaLine(a.gate.Refresh(cmd.Context())))
		return nil
	}),
}

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the token",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		password := loginPassword
		if password == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			password = strings.TrimRight(line, "\r\n")
		}
		token, err := a.client.Login(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		if err := a.gate.SignIn(token); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", args[0])
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.gate.SignOut(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	}),
}

var modelCmd = &cobra.Command{
	Use:   "model [name]",
	Short: "Show or set the preferred model",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), a.gate.Model())
			return nil
		}
		return a.gate.SetModel(args[0])
	}),
}

var stubOpts struct {
	addr  string
	quota int
	users map[string]string
	chunk int
	delay time.Duration
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run a scripted backend for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := stub.New(stub.Options{
			Users:          stubOpts.users,
			AnonymousQuota: stubOpts.quota,
			ChunkSize:      stubOpts.chunk,
			Delay:          stubOpts.delay,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		hs := &http.Server{Addr: stubOpts.addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- hs.ListenAndServe() }()
		fmt.Fprintf(cmd.OutOrStdout(), "Stub backend listening on %s\n", stubOpts.addr)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	roomsCmd.AddCommand(roomsCreateCmd, roomsRenameCmd)

	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")

	stubCmd.Flags().StringVar(&stubOpts.addr, "addr", "localhost:8787", "listen address")
	stubCmd.Flags().IntVar(&stubOpts.quota, "quota", 10, "free messages per anonymous session")
	stubCmd.Flags().StringToStringVar(&stubOpts.users, "user", map[string]string{"demo": "demo"}, "username=password pairs")
	stubCmd.Flags().IntVar(&stubOpts.chunk, "chunk", 0, "split writes into chunks of this many bytes")
	stubCmd.Flags().DurationVar(&stubOpts.delay, "delay", 30*time.Millisecond, "pause between writes")

	rootCmd.AddCommand(roomsCmd, historyCmd, quotaCmd, loginCmd, logoutCmd, modelCmd, stubCmd)
}
