package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/session"
	"github.com/youruser/streamchat/internal/store"
	"github.com/youruser/streamchat/internal/turn"
)

var (
	chatRoom  string
	chatModel string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Lines are sent as messages; lines starting
with ':' are client commands (:help lists them). Ctrl-C stops a streaming
response, or exits when nothing is streaming.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		p := newPrinter(out)
		a, err := openApp(p)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := context.WithCancel(cmd.Context())
		defer stop()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		go func() {
			for {
				select {
				case <-sigs:
					onInterrupt(a, stop)
				case <-ctx.Done():
					return
				}
			}
		}()

		r := newREPL(a, p)
		r.model = chatModel
		return r.run(ctx, chatRoom, cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatRoom, "room", "", "resume this room (signed in only)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model for this chat only")
	rootCmd.AddCommand(chatCmd)
}

// onInterrupt stops the streaming turn, or ends the chat when nothing
// is streaming.
func onInterrupt(a *app, stop context.CancelFunc) {
	if !a.ctrl.Cancel() {
		stop()
	}
}

// printer writes the streaming reply as it grows. It is both the turn
// observer and a store listener.
type printer struct {
	turn.NopObserver
	out io.Writer

	mu    sync.Mutex
	id    int64
	shown string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) OnTurnStarted(user, assistant chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = assistant.ID
	p.shown = ""
}

func (p *printer) handle(ev store.Event) {
	if ev.Kind != store.Updated && ev.Kind != store.TurnCompleted {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Message.ID != p.id {
		return
	}
	content := ev.Message.Content
	switch {
	case content == p.shown:
		return
	case strings.HasPrefix(content, p.shown):
		_, _ = io.WriteString(p.out, content[len(p.shown):])
	default:
		// Finalizing replaced the text, so start over on a new line.
		_, _ = io.WriteString(p.out, "\n"+content)
	}
	p.shown = content
}

type repl struct {
	a     *app
	p     *printer
	out   io.Writer
	model string
}

func newREPL(a *app, p *printer) *repl {
	return &repl{a: a, p: p, out: p.out}
}

func (r *repl) run(ctx context.Context, roomID string, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unsub := r.a.store.Subscribe(r.p.handle)
	defer unsub()
	r.a.titles.Start()

	if roomID != "" {
		rm, err := r.a.rooms.Switch(ctx, roomID)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Room: %s\n", roomLabel(rm))
		printHistory(r.out, r.a.store.Messages())
	}
	if r.a.gate.Mode() == session.Anonymous {
		fmt.Fprintln(r.out, quotaLine(r.a.gate.Refresh(ctx)))
	}

	// Lines are read on their own goroutine so an interrupt can end the
	// chat while input is blocked.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(r.out, "> ")
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			if r.command(ctx, line) {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
	fmt.Fprintln(r.out)
	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}

func (r *repl) send(ctx context.Context, text string) {
	if r.a.gate.Mode() == session.Authenticated {
		if _, ok := r.a.rooms.Active(); !ok {
			if _, err := r.a.rooms.Create(ctx, ""); err != nil {
				fmt.Fprintln(r.out, "! "+errorMessage(err))
				return
			}
		}
	}
	var roomID string
	if rm, ok := r.a.rooms.Active(); ok {
		roomID = rm.ID
	}

	res, err := r.a.ctrl.Submit(ctx, turn.Request{RoomID: roomID, Content: text, Model: r.model})
	if res.Message.ID != 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, resultLine(res))
	}
	if err != nil {
		fmt.Fprintln(r.out, "! "+errorMessage(err))
	}
	if r.a.gate.Mode() == session.Anonymous && res.Message.ID != 0 {
		fmt.Fprintln(r.out, quotaLine(r.a.gate.Current()))
	}
}

const replHelp = `:new [name]     start a new room
:rooms          list rooms
:switch <id>    open a room and show its history
:quota          show the remaining free messages
:model [name]   show or set the preferred model
:quit           leave`

// command runs a client command and reports whether the REPL should exit.
func (r *repl) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "q", "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(r.out, replHelp)
	case "new":
		var rm api.Room
		if rm, err = r.a.rooms.Create(ctx, arg); err == nil {
			fmt.Fprintf(r.out, "Room: %s\n", roomLabel(rm))
		}
	case "rooms":
		var rooms []api.Room
		if rooms, err = r.a.rooms.List(ctx); err == nil {
			printRooms(r.out, rooms)
		}
	case "switch":
		var rm api.Room
		if rm, err = r.a.rooms.Switch(ctx, arg); err == nil {
			fmt.Fprintf(r.out, "Room: %s\n", roomLabel(rm))
			printHistory(r.out, r.a.store.Messages())
		}
	case "quota":
		fmt.Fprintln(r.out, quotaLine(r.a.gate.Refresh(ctx)))
	case "model":
		if arg == "" {
			fmt.Fprintln(r.out, r.a.gate.Model())
			break
		}
		err = r.a.gate.SetModel(arg)
	default:
		fmt.Fprintf(r.out, "Unknown command %q; try :help\n", name)
	}
	if err != nil {
		fmt.Fprintln(r.out, "! "+errorMessage(err))
	}
	return false
}

func resultLine(res turn.Result) string {
	tokens := humanize.Comma(int64(res.Tokens.Total()))
	took := res.Duration.Round(10 * time.Millisecond)
	return fmt.Sprintf("[%s, %s tokens, %s]", res.Outcome, tokens, took)
}

func quotaLine(s session.Session) string {
	if s.Mode == session.Authenticated {
		return "Signed in"
	}
	line := english.Plural(s.Quota.Remaining, "free message", "") + " left"
	if s.Degraded {
		line += " (offline estimate)"
	}
	return line
}

func roomLabel(rm api.Room) string {
	name := rm.Name
	if name == "" {
		name = "(untitled)"
	}
	return fmt.Sprintf("%s [%s]", name, rm.ID)
}

func printRooms(w io.Writer, rooms []api.Room) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms")
		return
	}
	for _, rm := range rooms {
		fmt.Fprintf(w, "%s\t%s\n", roomLabel(rm), humanize.Time(rm.CreatedAt))
	}
}

func printHistory(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}
