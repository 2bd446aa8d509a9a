// ABOUTME: Interactive prompt and live update printer for the chat client.
// ABOUTME: Slash commands manage threads; any other line is sent to the active thread.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/stazy/stazy-chat/internal/conversation"
	"github.com/stazy/stazy-chat/internal/transport"
)

const loadTimeout = 10 * time.Second

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

type stateSource interface {
	State() transport.State
}

type repl struct {
	dir *conversation.Directory
	tr  stateSource
	in  io.Reader

	mu       sync.Mutex
	out      io.Writer
	lastConn transport.State
}

func newREPL(dir *conversation.Directory, tr stateSource, in io.Reader, out io.Writer) *repl {
	return &repl{dir: dir, tr: tr, in: in, out: out, lastConn: tr.State()}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads lines until EOF, /quit, or ctx is cancelled.
func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		r.prompt()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		if quit := r.handle(ctx, input); quit {
			return nil
		}
	}
}

func (r *repl) prompt() {
	if s, ok := r.dir.Active(); ok {
		r.printf("[%s]> ", s.Peer())
		return
	}
	r.printf("> ")
}

// handle executes one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		r.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		r.printHelp()
	case "/threads":
		r.listThreads(ctx)
	case "/open":
		r.open(ctx, arg)
	case "/close":
		r.close(arg)
	case "/use":
		r.use(arg)
	case "/history":
		if s, ok := r.active(); ok {
			r.printLog(ctx, s)
		}
	case "/refresh":
		if s, ok := r.active(); ok {
			if err := s.Refresh(ctx); err != nil {
				r.errorf("%v", err)
				return false
			}
			r.printLog(ctx, s)
		}
	case "/delete":
		r.delete(arg)
	case "/status":
		r.status()
	default:
		r.errorf("unknown command %s (try /help)", cmd)
	}
	return false
}

func (r *repl) active() (*conversation.Session, bool) {
	s, ok := r.dir.Active()
	if !ok {
		r.printf("No thread open. Use /open <email> first.\n")
	}
	return s, ok
}

func (r *repl) send(ctx context.Context, text string) {
	s, ok := r.active()
	if !ok {
		return
	}
	if err := s.Send(ctx, text); err != nil {
		r.errorf("%v", err)
	}
}

func (r *repl) listThreads(ctx context.Context) {
	threads, err := r.dir.ListThreads(ctx)
	if err != nil {
		r.errorf("listing threads: %v", err)
		return
	}
	n := 0
	for peer := range threads {
		name := r.dir.ResolveName(ctx, peer)
		marker := " "
		if _, open := r.dir.Session(peer); open {
			marker = "*"
		}
		if name == peer {
			r.printf(" %s %s\n", marker, peer)
		} else {
			r.printf(" %s %s <%s>\n", marker, name, peer)
		}
		n++
	}
	if n == 0 {
		r.printf("No conversations yet. Use /open <email> to start one.\n")
	}
}

func (r *repl) open(ctx context.Context, peer string) {
	if peer == "" {
		r.errorf("usage: /open <email>")
		return
	}
	s, err := r.dir.OpenThread(ctx, peer)
	if err != nil {
		r.errorf("%v", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	if err := s.WaitLoaded(waitCtx); err != nil {
		r.errorf("history for %s still loading", peer)
		return
	}
	r.printf("%s\n", color.CyanString("── %s ──", r.dir.ResolveName(ctx, peer)))
	r.printLog(ctx, s)
}

func (r *repl) close(peer string) {
	if peer == "" {
		s, ok := r.active()
		if !ok {
			return
		}
		peer = s.Peer()
	}
	if !r.dir.CloseThread(peer) {
		r.errorf("%s is not open", peer)
		return
	}
	r.printf("Closed %s\n", peer)
}

func (r *repl) use(peer string) {
	if peer == "" {
		for _, s := range r.dir.Sessions() {
			r.printf("  %s\n", s.Peer())
		}
		return
	}
	if err := r.dir.SetActive(peer); err != nil {
		r.errorf("%v", err)
		return
	}
	r.printf("Now chatting with %s\n", peer)
}

func (r *repl) delete(arg string) {
	s, ok := r.active()
	if !ok {
		return
	}
	n, err := strconv.Atoi(arg)
	msgs := s.Messages()
	if err != nil || n < 1 || n > len(msgs) {
		r.errorf("usage: /delete <1-%d>", len(msgs))
		return
	}
	if s.Delete(msgs[n-1].LocalID) {
		r.printf("Deleted message %d\n", n)
	}
}

func (r *repl) status() {
	r.printf("Connection: %s\n", r.tr.State())
	for _, s := range r.dir.Sessions() {
		r.printf("  %s  %s, %d messages\n", s.Peer(), s.State(), len(s.Messages()))
	}
}

func (r *repl) printLog(ctx context.Context, s *conversation.Session) {
	if err := s.Err(); err != nil {
		r.errorf("loading history: %v", err)
	}
	msgs := s.Messages()
	if len(msgs) == 0 {
		r.printf("%s\n", color.HiBlackString("(no messages)"))
		return
	}
	for i, m := range msgs {
		r.printf("%3d. %s\n", i+1, r.formatMessage(ctx, m))
	}
}

func (r *repl) formatMessage(ctx context.Context, m conversation.Message) string {
	who := color.GreenString("you")
	if m.Sender != r.dir.Me() {
		who = color.CyanString(r.dir.ResolveName(ctx, m.Sender))
	}
	line := fmt.Sprintf("%s %s: %s", color.HiBlackString(formatTime(m.Timestamp)), who, m.Content)
	switch m.Status {
	case conversation.Pending:
		line += color.HiBlackString(" …")
	case conversation.Unconfirmed:
		line += color.YellowString(" (not delivered)")
	}
	return line
}

func (r *repl) errorf(format string, args ...any) {
	r.printf("%s %s\n", color.RedString("[error]"), fmt.Sprintf(format, args...))
}

// printUpdates prints live changes until the updates channel closes.
func (r *repl) printUpdates(ctx context.Context, updates <-chan conversation.Update) {
	for u := range updates {
		r.printUpdate(ctx, u)
	}
}

func (r *repl) printUpdate(ctx context.Context, u conversation.Update) {
	switch u.Kind {
	case conversation.UpdateAppended:
		if u.Message.Sender == r.dir.Me() {
			return
		}
		r.printf("\r%s %s\n", color.HiBlackString("[%s]", u.Peer), r.formatMessage(ctx, u.Message))
	case conversation.UpdateChanged:
		if u.Message.Status == conversation.Unconfirmed {
			r.printf("\r%s %q to %s was not delivered\n", color.YellowString("!"), u.Message.Content, u.Peer)
		}
	case conversation.UpdateLoaded:
		if u.Err != nil {
			r.errorf("history for %s: %v", u.Peer, u.Err)
		}
	case conversation.UpdateIncoming:
		r.printf("\r%s new message from %s: %s %s\n",
			color.MagentaString("●"), r.dir.ResolveName(ctx, u.Peer), u.Message.Content,
			color.HiBlackString("(/open %s)", u.Peer))
	case conversation.UpdateConnection:
		r.mu.Lock()
		changed := r.lastConn != u.Connection
		r.lastConn = u.Connection
		r.mu.Unlock()
		if changed {
			r.printf("\r%s\n", connectionLine(u.Connection))
		}
	}
}

func connectionLine(state transport.State) string {
	switch state {
	case transport.Connected:
		return color.GreenString("● connected")
	case transport.Reconnecting:
		return color.YellowString("● connection lost, reconnecting…")
	case transport.Connecting:
		return color.YellowString("● connecting…")
	default:
		return color.HiBlackString("● offline")
	}
}

// formatTime renders a message timestamp as local clock time, or returns it
// unchanged when it cannot be parsed. Timestamps without a zone are local.
func formatTime(ts string) string {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, ts, time.Local); err == nil {
			return t.Local().Format("15:04")
		}
	}
	return ts
}

func (r *repl) printHelp() {
	r.printf(`Commands:
  /threads          List conversations (* = open)
  /open <email>     Open a conversation and make it active
  /use [email]      Switch the active conversation, or list open ones
  /close [email]    Close a conversation (default: active)
  /history          Show the active conversation
  /refresh          Reload history for the active conversation
  /delete <n>       Remove message n from the active conversation
  /status           Show connection and thread state
  /help             Show this help
  /quit             Exit

Anything else is sent to the active conversation.
`)
}
