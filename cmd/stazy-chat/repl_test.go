// ABOUTME: Tests for the chat prompt against the in-process fake backend
// ABOUTME: Commands are driven through handle and the printed output is checked

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/auth"
	"github.com/stazy/stazy-chat/internal/chattest"
	"github.com/stazy/stazy-chat/internal/conversation"
	"github.com/stazy/stazy-chat/internal/transport"
)

const (
	me    = "me@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

type harness struct {
	backend *chattest.Server
	tr      *transport.Transport
	dir     *conversation.Directory
	out     *syncBuffer
	repl    *repl
}

func newHarness(t *testing.T, input string) *harness {
	t.Helper()
	color.NoColor = true

	backend := chattest.New([]byte("repl-secret"), nil)
	backend.AddProfile(chattest.Profile{Email: bob, FirstName: "Bob", LastName: "Builder"})
	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	tokens := auth.NewStaticProvider(backend.Token(me))
	tr := transport.New(
		transport.NewStompDialer(chattest.WebSocketURL(ts.URL), transport.StompOptions{}),
		tokens,
		transport.Options{ReconnectDelay: 20 * time.Millisecond, IdleGrace: 50 * time.Millisecond},
	)
	t.Cleanup(tr.Disconnect)

	dir, err := conversation.NewDirectory(me, tr, api.New(ts.URL, tokens, api.Options{}), conversation.Options{})
	require.NoError(t, err)
	t.Cleanup(dir.Close)

	out := &syncBuffer{}
	return &harness{
		backend: backend,
		tr:      tr,
		dir:     dir,
		out:     out,
		repl:    newREPL(dir, tr, strings.NewReader(input), out),
	}
}

func (h *harness) do(t *testing.T, line string) string {
	t.Helper()
	h.out.Reset()
	quit := h.repl.handle(context.Background(), line)
	assert.False(t, quit)
	return h.out.String()
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.tr.State() == transport.Connected && h.backend.Subscribers(conversation.InboxTopic(me)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestREPL_OpenShowsHistoryWithNames(t *testing.T) {
	h := newHarness(t, "")
	h.backend.Seed(bob, me, "hi there")

	out := h.do(t, "/open "+bob)
	assert.Contains(t, out, "Bob Builder")
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "hi there")

	s, ok := h.dir.Active()
	require.True(t, ok)
	assert.Equal(t, bob, s.Peer())
}

func TestREPL_SendGoesToActiveThread(t *testing.T) {
	h := newHarness(t, "")
	h.do(t, "/open "+bob)
	h.waitSubscribed(t)

	out := h.do(t, "hello bob")
	assert.NotContains(t, out, "[error]")

	require.Eventually(t, func() bool {
		msgs := h.backend.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hello bob" && msgs[0].RecipientEmail == bob
	}, 2*time.Second, 5*time.Millisecond)

	s, _ := h.dir.Active()
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Status == conversation.Delivered
	}, 2*time.Second, 5*time.Millisecond)

	out = h.do(t, "/history")
	assert.Contains(t, out, "you: hello bob")
}

func TestREPL_SendKeepsTextAsTyped(t *testing.T) {
	h := newHarness(t, "")
	h.do(t, "/open "+bob)
	h.waitSubscribed(t)

	h.do(t, "  indented reply  ")

	require.Eventually(t, func() bool {
		msgs := h.backend.Messages()
		return len(msgs) == 1 && msgs[0].Content == "  indented reply  "
	}, 2*time.Second, 5*time.Millisecond)
}

func TestREPL_SendWithoutThread(t *testing.T) {
	h := newHarness(t, "")

	out := h.do(t, "hello?")
	assert.Contains(t, out, "No thread open")
	assert.Empty(t, h.backend.Messages())
}

func TestREPL_Threads(t *testing.T) {
	h := newHarness(t, "")

	assert.Contains(t, h.do(t, "/threads"), "No conversations yet")

	h.backend.Seed(bob, me, "one")
	h.backend.Seed(me, carol, "two")
	h.do(t, "/open "+carol)

	out := h.do(t, "/threads")
	assert.Contains(t, out, "  Bob Builder <"+bob+">")
	assert.Contains(t, out, "* "+carol)
}

func TestREPL_UseAndClose(t *testing.T) {
	h := newHarness(t, "")
	h.do(t, "/open "+bob)
	h.do(t, "/open "+carol)

	out := h.do(t, "/use")
	assert.Contains(t, out, bob)
	assert.Contains(t, out, carol)

	assert.Contains(t, h.do(t, "/use "+bob), "Now chatting with "+bob)
	s, _ := h.dir.Active()
	assert.Equal(t, bob, s.Peer())

	assert.Contains(t, h.do(t, "/use dave@example.com"), "[error]")

	assert.Contains(t, h.do(t, "/close"), "Closed "+bob)
	s, _ = h.dir.Active()
	assert.Equal(t, carol, s.Peer())

	assert.Contains(t, h.do(t, "/close "+bob), "is not open")
}

func TestREPL_OpenRejectsSelf(t *testing.T) {
	h := newHarness(t, "")

	assert.Contains(t, h.do(t, "/open "+me), "[error]")
	assert.Contains(t, h.do(t, "/open"), "usage: /open")
}

func TestREPL_Delete(t *testing.T) {
	h := newHarness(t, "")
	h.backend.Seed(bob, me, "first")
	h.backend.Seed(bob, me, "second")
	h.do(t, "/open "+bob)

	assert.Contains(t, h.do(t, "/delete 9"), "usage: /delete <1-2>")
	assert.Contains(t, h.do(t, "/delete 1"), "Deleted message 1")

	s, _ := h.dir.Active()
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "second", s.Messages()[0].Content)
}

func TestREPL_RefreshReloads(t *testing.T) {
	h := newHarness(t, "")
	h.do(t, "/open "+bob)
	h.backend.Seed(bob, me, "later")

	out := h.do(t, "/refresh")
	assert.Contains(t, out, "later")
}

func TestREPL_StatusAndUnknown(t *testing.T) {
	h := newHarness(t, "")

	assert.Contains(t, h.do(t, "/status"), "Connection: disconnected")
	assert.Contains(t, h.do(t, "/bogus"), "unknown command /bogus")
	assert.Contains(t, h.do(t, "/help"), "/threads")
}

func TestREPL_RunStopsOnQuitAndEOF(t *testing.T) {
	h := newHarness(t, "/help\n/quit\nnever sent\n")
	require.NoError(t, h.repl.run(context.Background()))
	assert.Contains(t, h.out.String(), "Commands:")

	h = newHarness(t, "/status\n")
	require.NoError(t, h.repl.run(context.Background()))
	assert.Contains(t, h.out.String(), "Connection:")
}

func TestREPL_PrintsLiveUpdates(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.dir.Updates(ctx)
	done := make(chan struct{})
	go func() {
		h.repl.printUpdates(ctx, updates)
		close(done)
	}()

	h.do(t, "/open "+bob)
	h.waitSubscribed(t)

	h.backend.Deliver(chattest.ChatMessage{SenderEmail: bob, RecipientEmail: me, Content: "live one"})
	h.backend.Deliver(chattest.ChatMessage{SenderEmail: carol, RecipientEmail: me, Content: "psst"})

	require.Eventually(t, func() bool {
		out := h.out.String()
		return strings.Contains(out, "["+bob+"]") && strings.Contains(out, "Bob Builder: live one") &&
			strings.Contains(out, "new message from "+carol+": psst")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("printUpdates did not stop")
	}
}

func TestREPL_ConnectionChangesPrintedOnce(t *testing.T) {
	h := newHarness(t, "")
	lost := conversation.Update{Kind: conversation.UpdateConnection, Connection: transport.Reconnecting}

	h.repl.printUpdate(context.Background(), lost)
	h.repl.printUpdate(context.Background(), lost)
	assert.Equal(t, 1, strings.Count(h.out.String(), "reconnecting"))

	h.repl.printUpdate(context.Background(), conversation.Update{Kind: conversation.UpdateConnection, Connection: transport.Connected})
	assert.Contains(t, h.out.String(), "● connected")
}

func TestFormatTime(t *testing.T) {
	local := time.Date(2024, 3, 1, 9, 5, 0, 0, time.Local)
	assert.Equal(t, "09:05", formatTime("2024-03-01T09:05:00.123456"))
	assert.Equal(t, "09:05", formatTime(local.Format(time.RFC3339)))
	assert.Equal(t, "yesterday", formatTime("yesterday"))
}
