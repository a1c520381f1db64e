package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/quictalk/chat-client/internal/auth"
	"github.com/quictalk/chat-client/internal/chat"
	"github.com/quictalk/chat-client/internal/conversation"
	"github.com/quictalk/chat-client/internal/notify"
	"github.com/quictalk/chat-client/internal/presence"
)

const helpText = `commands:
  /signup <full name> <email> <password>
  /login <email> <password>
  /logout
  /users              list chattable users
  /online             list online user ids
  /open <userId>      open a conversation
  /close              close the open conversation
  /profile <picUrl>   update the profile picture
  /reconnect          retry the realtime connection
  /quit
any other line is sent to the open conversation`

// printer serializes output from the command loop and background callbacks.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) notice(n notify.Notice) {
	p.printf("[%s] %s", n.Level, n.Text)
}

func (p *printer) message(m chat.Message) {
	text := m.Body
	if m.Image != "" {
		text = strings.TrimSpace(text + " [image " + m.Image + "]")
	}
	p.printf("%s  %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, text)
}

type commands struct {
	store    *auth.Store
	conv     *conversation.Store
	presence *presence.Tracker
	out      *printer
}

// run executes one input line and reports whether the client should exit.
// Failures are already reported as notices by the stores.
func (c *commands) run(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.out.printf("%s", helpText)
	case "/signup":
		name, email, password, ok := parseSignup(args)
		if !ok {
			c.out.printf("usage: /signup <full name> <email> <password>")
			return false
		}
		if c.store.Signup(ctx, name, email, password) == nil {
			c.loadUsers(ctx)
		}
	case "/login":
		if len(args) != 2 {
			c.out.printf("usage: /login <email> <password>")
			return false
		}
		if c.store.Login(ctx, args[0], args[1]) == nil {
			c.loadUsers(ctx)
		}
	case "/logout":
		_ = c.store.Logout(ctx)
	case "/users":
		c.loadUsers(ctx)
	case "/online":
		online := c.presence.Online()
		c.out.printf("%d online: %s", len(online), strings.Join(online, ", "))
	case "/open":
		if len(args) != 1 {
			c.out.printf("usage: /open <userId>")
			return false
		}
		c.open(ctx, args[0])
	case "/close":
		c.conv.Deselect()
	case "/profile":
		if len(args) != 1 {
			c.out.printf("usage: /profile <picUrl>")
			return false
		}
		_ = c.store.UpdateProfile(ctx, args[0])
	case "/reconnect":
		if err := c.store.Reconnect(); err != nil {
			c.out.printf("cannot reconnect: %v", err)
		}
	default:
		c.out.printf("unknown command %s, try /help", cmd)
	}
	return false
}

func (c *commands) loadUsers(ctx context.Context) {
	if !c.store.Authenticated() {
		c.out.printf("not signed in")
		return
	}
	if err := c.conv.LoadUsers(ctx); err != nil {
		return
	}
	for _, u := range c.conv.Users() {
		mark := " "
		if c.presence.IsOnline(string(u.ID)) {
			mark = "●"
		}
		c.out.printf("%s %s  %s <%s>", mark, u.ID, u.FullName, u.Email)
	}
}

func (c *commands) open(ctx context.Context, peer string) {
	if !c.store.Authenticated() {
		c.out.printf("not signed in")
		return
	}
	if err := c.conv.Select(ctx, peer); err != nil && len(c.conv.Messages()) == 0 {
		return
	}
	name := peer
	if u, ok := c.conv.User(peer); ok {
		name = u.FullName
	}
	c.out.printf("--- conversation with %s ---", name)
	for _, m := range c.conv.Messages() {
		c.out.message(m)
	}
}

func (c *commands) send(ctx context.Context, text string) {
	if c.conv.Selected() == "" {
		c.out.printf("no conversation open, use /open <userId>")
		return
	}
	_, _ = c.conv.Send(ctx, text, "")
}

// parseSignup splits /signup arguments. The full name may contain spaces;
// the last two words are the email and password.
func parseSignup(args []string) (name, email, password string, ok bool) {
	if len(args) < 3 {
		return "", "", "", false
	}
	n := len(args)
	return strings.Join(args[:n-2], " "), args[n-2], args[n-1], true
}
