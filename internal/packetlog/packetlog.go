// Package packetlog prints relayed frames and recognized events to a terminal.
package packetlog

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/fatih/color"

	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/relay"
	"github.com/udisondev/habproxy/internal/triggers"
)

// Config controls what is printed and how.
type Config struct {
	Color bool
	// Ignore lists headers that are never printed, in either direction.
	Ignore []uint16
}

// Logger writes one line per frame.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	ignore []uint16

	out, in, event, blocked, replaced *color.Color
}

// New returns a logger writing to w, or to stdout when w is nil.
func New(w io.Writer, cfg Config) *Logger {
	if w == nil {
		w = os.Stdout
	}
	l := &Logger{
		w:        w,
		ignore:   slices.Clone(cfg.Ignore),
		out:      color.New(color.FgCyan, color.Bold),
		in:       color.New(color.FgGreen, color.Bold),
		event:    color.New(color.FgMagenta),
		blocked:  color.New(color.FgRed, color.Bold),
		replaced: color.New(color.FgYellow, color.Bold),
	}
	for _, c := range []*color.Color{l.out, l.in, l.event, l.blocked, l.replaced} {
		if cfg.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return l
}

// Attach prints every frame and event of r until detach is called.
func (l *Logger) Attach(r *relay.Relay) (detach func()) {
	removes := []func(){
		r.OnOutgoing(l.Frame),
		r.OnIncoming(l.Frame),
		r.OnEvent(l.Event),
	}
	return func() {
		for _, remove := range removes {
			remove()
		}
	}
}

// Frame prints ev, e.g.
//
//	[OUT] 4097 (6) {l}{u:4097}[0][0][0]* REPLACED
func (l *Logger) Frame(ev *relay.Intercepted) {
	m := ev.Message()
	if slices.Contains(l.ignore, m.Header()) {
		return
	}

	tag := l.in.Sprint("[IN] ")
	if ev.Direction() == protocol.Outgoing {
		tag = l.out.Sprint("[OUT]")
	}
	line := fmt.Sprintf("%s %d (%d) %s", tag, m.Header(), m.Length(), m.ToString())
	switch {
	case ev.IsBlocked():
		line += " " + l.blocked.Sprint("BLOCKED")
	case ev.IsReplaced():
		line += " " + l.replaced.Sprint("REPLACED")
	}
	l.println(line)
}

// Event prints a recognized event with its header and value.
func (l *Logger) Event(ev triggers.Event) {
	line := fmt.Sprintf("%s %s header=%d", l.event.Sprint("[EVT]"), ev.Kind(), ev.Header())
	if v, ok := triggers.Value(ev); ok {
		line += fmt.Sprintf(" value=%d", v)
	}
	l.println(line)
}

func (l *Logger) println(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, line)
}
