package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

// The adapter surface is send-only; the router never edits messages or
// answers button presses.
var _ kit.Adapter = (*fakeAdapter)(nil)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestTokenizeCommandLine(t *testing.T) {
	cases := map[string][]string{
		`/at get -n 5`:           {"/at", "get", "-n", "5"},
		`/x "a b" 'c d' e\ f`:    {"/x", "a b", "c d", "e f"},
		`  /help   `:             {"/help"},
		`/x ""`:                  {"/x", ""},
		"/at.get\t-r\n-u @alice": {"/at.get", "-r", "-u", "@alice"},
	}
	for in, want := range cases {
		if got := tokenizeCommandLine(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("tokenize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"-n5", "-ar", "-c", "-1001234", "--user=@bob", "rest", "-7"})
	if flags["n"] != "5" || flags["c"] != "-1001234" || flags["user"] != "@bob" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["a"] || !bools["r"] {
		t.Fatalf("bools = %v", bools)
	}
	if !reflect.DeepEqual(pos, []string{"rest", "-7"}) {
		t.Fatalf("pos = %q", pos)
	}

	_, flags, bools = parseFlags([]string{"-u", "42", "-a"})
	if flags["u"] != "42" || !bools["a"] {
		t.Fatalf("flags=%v bools=%v", flags, bools)
	}
}

func TestParseFlagsSwitchesKeepPositionals(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"-r", "5", "-a", "-u", "@bob"}, "a", "r")
	if !bools["r"] || !bools["a"] {
		t.Fatalf("bools = %v", bools)
	}
	if _, ok := flags["r"]; ok {
		t.Fatalf("switch took a value: %v", flags)
	}
	if flags["u"] != "@bob" {
		t.Fatalf("flags = %v", flags)
	}
	if !reflect.DeepEqual(pos, []string{"5"}) {
		t.Fatalf("pos = %q", pos)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	cases := map[string]string{
		"at get":   "at_get",
		"at.get":   "at_get",
		"At--Sub":  "at_sub",
		"9lives":   "cmd_9lives",
		"...":      "",
		"héllo wd": "hllo_wd",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

type capture struct {
	mu   sync.Mutex
	reqs []*Request
	msgs []*kit.Message
	done chan struct{}
}

func newCapture() *capture { return &capture{done: make(chan struct{}, 16)} }

func (c *capture) handle(_ context.Context, req *Request) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *capture) observe(_ context.Context, msg *kit.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d/%d", i+1, n)
		}
	}
}

func startDispatch(t *testing.T, m *CommandManager) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Wait for the worker pool to accept jobs.
	deadline := time.Now().Add(2 * time.Second)
	for m.Supervisor() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return updates
}

func msgUpdate(text string, from int64, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: -100, FromID: from, Text: text, IsGroup: group}}
}

func TestDispatchRoutesDottedSpacedAndUnderscoreForms(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, []int64{1})
	cp := newCapture()
	m.SetRegistry([]Command{{Route: "at get", Handle: cp.handle}}, nil)
	updates := startDispatch(t, m)

	for _, text := range []string{"/at get -n 5", "/at.get -n 5", "/at_get -n 5", "/at_get@mention_bot -n 5"} {
		updates <- msgUpdate(text, 7, true)
	}
	cp.wait(t, 4)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, r := range cp.reqs {
		if r.Command != "at get" || r.Flags["n"] != "5" || !reflect.DeepEqual(r.Path, []string{"at", "get"}) {
			t.Fatalf("unexpected request: cmd=%q path=%q flags=%v", r.Command, r.Path, r.Flags)
		}
	}
}

func TestDispatchObserversSeePlainMessages(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, nil)
	cp := newCapture()
	m.SetRegistry(nil, []MessageHandler{{Name: "obs", Handle: cp.observe}})
	updates := startDispatch(t, m)

	updates <- msgUpdate("hello @alice", 7, true)
	cp.wait(t, 1)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.msgs) != 1 || cp.msgs[0].Text != "hello @alice" {
		t.Fatalf("observed = %+v", cp.msgs)
	}
}

func TestDispatchOwnerOnlyAndUnknownCommand(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, []int64{1})
	cp := newCapture()
	m.SetRegistry([]Command{{Route: "secret", Access: AccessOwnerOnly, Handle: cp.handle}}, nil)
	updates := startDispatch(t, m)

	updates <- msgUpdate("/secret", 7, false)
	updates <- msgUpdate("/nope", 7, true)
	updates <- msgUpdate("/nope", 7, false)
	updates <- msgUpdate("/secret", 1, false)
	cp.wait(t, 1)

	got := ad.texts()
	if len(got) != 2 || got[0] != "unauthorized" || !strings.Contains(got[1], "unknown command") {
		t.Fatalf("sent = %q", got)
	}
}

func TestHelpListsCommandsAndShortcuts(t *testing.T) {
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil, nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Route: "at get", Description: "deliver pending mentions", Usage: "/at get [-n count]", Handle: noop},
		{Route: "at purge", Description: "drop everything", Access: AccessOwnerOnly, Handle: noop},
	}, nil)

	top := m.helpText(nil)
	if !strings.Contains(top, "<code>/at</code>") || !strings.Contains(top, "<code>/help</code>") {
		t.Fatalf("top help = %q", top)
	}
	leaf := m.helpText([]string{"at", "get"})
	for _, want := range []string{"deliver pending mentions", "/at.get", "/at_get", "/at get [-n count]"} {
		if !strings.Contains(leaf, want) {
			t.Fatalf("leaf help missing %q: %q", want, leaf)
		}
	}
	if got := m.helpText([]string{"at.purge"}); !strings.Contains(got, "owner only") {
		t.Fatalf("owner marker missing: %q", got)
	}
}
