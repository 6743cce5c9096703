package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/relay-chat/chat"
)

// view prints the message log incrementally and reads commands from stdin.
// Rendering is intentionally dumb: the session owns all state, the view
// only formats whatever snapshot it is handed.
type view struct {
	out io.Writer

	mu      sync.Mutex
	sess    *chat.Session
	printed int
}

func newView(out io.Writer) *view {
	return &view{out: out}
}

func (v *view) attach(sess *chat.Session) {
	v.mu.Lock()
	v.sess = sess
	v.mu.Unlock()
}

func (v *view) printHelp() {
	fmt.Fprintln(v.out, "commands: /login <name>  /logout  /attach <path>  /remove  /status  /quit")
	fmt.Fprintln(v.out, "anything else is sent as a message")
}

// render prints every log entry not yet shown. Called by the session after
// each state change and by the input loop after each command.
func (v *view) render() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sess == nil {
		return
	}
	msgs := v.sess.Messages()
	if v.printed > len(msgs) {
		// Log was cleared (logout); start over.
		v.printed = 0
	}
	for _, m := range msgs[v.printed:] {
		fmt.Fprintln(v.out, formatMessage(m))
	}
	v.printed = len(msgs)
}

func formatMessage(m chat.Message) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	if m.Sender == chat.SystemSender {
		return fmt.Sprintf("-- %s", m.Text())
	}
	if m.IsImage() {
		line := fmt.Sprintf("%s %s: [image %s] %s", ts, m.Sender, m.FileName, m.FileURL)
		if m.Text() != "" {
			line += " " + m.Text()
		}
		return line
	}
	return fmt.Sprintf("%s %s: %s", ts, m.Sender, m.Text())
}

func (v *view) inputLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "/") {
			if quit := v.command(ctx, line); quit {
				return
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		v.sess.SetDraft(line)
		v.sess.Send()
	}
}

// command handles one slash command; returns true on /quit.
func (v *view) command(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/login":
		v.sess.Login(arg)
		if v.sess.User() == "" {
			fmt.Fprintln(v.out, "usage: /login <name>")
		}
	case "/logout":
		v.sess.Logout()
		fmt.Fprintln(v.out, "logged out")
	case "/attach":
		if arg == "" {
			fmt.Fprintln(v.out, "usage: /attach <path>")
			return false
		}
		v.attachFile(ctx, arg)
	case "/remove":
		v.sess.RemoveAttachment()
	case "/status":
		v.printStatus()
	default:
		fmt.Fprintf(v.out, "unknown command %q\n", cmd)
	}
	return false
}

// attachFile reads the file and runs the upload off the input loop; the
// session reports progress through its status line.
func (v *view) attachFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(v.out, "read %s: %v\n", path, err)
		return
	}
	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	file := chat.File{Name: filepath.Base(path), Type: ctype, Bytes: data}
	go func() {
		v.sess.Attach(ctx, file)
		if status := v.sess.UploadStatus(); status != "" {
			fmt.Fprintln(v.out, status)
		}
	}()
	log.Debug().Str("file", file.Name).Str("type", ctype).Msg("[chat] attaching")
}

func (v *view) printStatus() {
	user := v.sess.User()
	if user == "" {
		fmt.Fprintln(v.out, "logged out")
		return
	}
	state := "disconnected"
	if v.sess.Connected() {
		state = "connected"
	}
	fmt.Fprintf(v.out, "chatting as %s • %s\n", user, state)
	if p := v.sess.Pending(); p != nil {
		fmt.Fprintf(v.out, "attachment ready: %s (preview at %s)\n", p.Name, p.Preview)
	}
	if status := v.sess.UploadStatus(); status != "" {
		fmt.Fprintln(v.out, status)
	}
}
