package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/fretmaster/internal/recorder"
	"github.com/MrWong99/fretmaster/internal/session"
	"github.com/MrWong99/fretmaster/internal/transcript"
)

// errQuit is returned by [console.run] when the user typed /quit.
var errQuit = errors.New("quit requested")

const consoleHelp = `commands:
  /connect      start a tutoring session
  /disconnect   end the session
  /record       start recording the microphone
  /stop         stop recording and keep the clip
  /state        show status, volume, and recordings
  /help         show this help
  /quit         exit
anything else is sent to the tutor as a text message`

// consoleSession is the subset of [session.Manager] the console drives.
type consoleSession interface {
	State() session.State
	Volume() float64
	ConnectWithin(ctx context.Context, d time.Duration) error
	Disconnect() error
	SendText(text string) error
}

// consoleRecorder is the subset of [recorder.Recorder] the console drives.
type consoleRecorder interface {
	Recording() bool
	Start() bool
	Stop() (recorder.Recording, bool)
	Recordings() []recorder.Recording
}

// console is the interactive line interface on stdin. Output written by
// session callbacks and by commands is serialised through one writer.
type console struct {
	sess           consoleSession
	rec            consoleRecorder
	connectTimeout time.Duration
	baseURL        string

	mu  sync.Mutex
	out io.Writer
}

func newConsole(sess consoleSession, rec consoleRecorder, out io.Writer) *console {
	return &console{sess: sess, rec: rec, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// ── Session callbacks ─────────────────────────────────────────────────────────

func (c *console) onState(s session.State) { c.printf("* %s", s) }

func (c *console) onMessage(m transcript.Message) { c.printf("[%s] %s", m.Role, m.Text) }

func (c *console) onNotice(n string) { c.printf("! %s", n) }

func (c *console) onRecorded(r recorder.Recording) {
	c.printf("* saved %s (%s) at %s%s", r.ID, r.Duration.Round(10*time.Millisecond), c.baseURL, r.URL)
}

// ── Input loop ────────────────────────────────────────────────────────────────

// run reads commands from in until EOF, /quit, or ctx is done. The reader
// goroutine is left blocked on in when ctx ends first.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handle executes one input line. It returns errQuit for /quit.
func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.sess.SendText(line); err != nil {
			c.printf("! not connected, type /connect first")
		}
		return nil
	}

	switch cmd := strings.Fields(line)[0]; cmd {
	case "/connect":
		if err := c.sess.ConnectWithin(ctx, c.connectTimeout); err != nil {
			c.printf("! connect failed: %v", err)
		}
	case "/disconnect":
		if err := c.sess.Disconnect(); err != nil {
			c.printf("! %v", err)
		}
	case "/record":
		if !c.rec.Start() {
			if c.rec.Recording() {
				c.printf("! already recording")
			} else {
				c.printf("! no microphone stream, connect first")
			}
			return nil
		}
		c.printf("* recording")
	case "/stop":
		if _, ok := c.rec.Stop(); !ok {
			c.printf("! not recording")
		}
	case "/state":
		c.printf("status=%s volume=%.2f recording=%t recordings=%d",
			c.sess.State(), c.sess.Volume(), c.rec.Recording(), len(c.rec.Recordings()))
	case "/help":
		c.printf("%s", consoleHelp)
	case "/quit", "/exit":
		return errQuit
	default:
		c.printf("! unknown command %s, type /help", cmd)
	}
	return nil
}
