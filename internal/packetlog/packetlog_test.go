package packetlog

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/relay"
	"github.com/udisondev/habproxy/internal/testutil"
	"github.com/udisondev/habproxy/internal/triggers"
)

// syncBuffer is a bytes.Buffer safe for the relay goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type pipes struct {
	relay          *relay.Relay
	client, server net.Conn
}

func startRelay(t *testing.T, chain *filter.Chain, corr *triggers.Correlator) *pipes {
	t.Helper()

	client, local := testutil.PipeConn(t)
	remote, server := testutil.PipeConn(t)
	p := &pipes{
		relay:  relay.New(local, remote, chain, corr),
		client: testutil.NewConnWithDeadline(client, constants.TestIOTimeout),
		server: testutil.NewConnWithDeadline(server, constants.TestIOTimeout),
	}

	ctx, cancel := testutil.ContextWithCancel(t)
	done := make(chan error, 1)
	go func() { done <- p.relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func (p *pipes) toServer(t *testing.T, frame []byte) {
	t.Helper()
	go func() { _, _ = p.client.Write(frame) }()
	testutil.ReadMessage(t, p.server, nil, protocol.DestinationServer)
}

func (p *pipes) toClient(t *testing.T, frame []byte) {
	t.Helper()
	go func() { _, _ = p.server.Write(frame) }()
	testutil.ReadMessage(t, p.client, nil, protocol.DestinationClient)
}

func TestLogger_Frames(t *testing.T) {
	chain := filter.NewChain()
	chain.Replace(protocol.Incoming, 20, testutil.Message(t, 21, "hi"))
	p := startRelay(t, chain, nil)

	var out syncBuffer
	l := New(&out, Config{})
	detach := l.Attach(p.relay)

	p.toServer(t, testutil.Frame(t, 4097, int32(42)))
	p.toClient(t, testutil.Frame(t, 20))

	assert.Equal(t, []string{
		"[OUT] 4097 (6) {l}{u:4097}[0][0][0]*",
		"[IN]  21 (6) {l}{u:21}[0][2]hi REPLACED",
	}, out.lines())

	detach()
	p.toServer(t, testutil.Frame(t, 1))
	assert.Len(t, out.lines(), 2, "nothing is printed after detach")
}

func TestLogger_BlockedAndIgnored(t *testing.T) {
	chain := filter.NewChain()
	chain.Block(protocol.Outgoing, 9)
	p := startRelay(t, chain, nil)

	var out syncBuffer
	l := New(&out, Config{Ignore: []uint16{3}})
	l.Attach(p.relay)

	_, err := p.client.Write(testutil.Frame(t, 9))
	require.NoError(t, err)
	p.toServer(t, testutil.Frame(t, 3))
	p.toServer(t, testutil.Frame(t, 4))

	assert.Equal(t, []string{
		"[OUT] 9 (2) {l}{u:9} BLOCKED",
		"[OUT] 4 (2) {l}{u:4}",
	}, out.lines())
}

func TestLogger_Events(t *testing.T) {
	corr := triggers.NewCorrelator()
	corr.Lock(protocol.Outgoing, 300, triggers.KindHostRaiseSign)
	p := startRelay(t, nil, corr)

	var out syncBuffer
	l := New(&out, Config{Ignore: []uint16{300}})
	l.Attach(p.relay)

	p.toServer(t, testutil.Frame(t, 300, int32(7)))

	testutil.WaitFor(t, func() bool { return len(out.lines()) == 1 }, time.Second)
	assert.Equal(t, "[EVT] host_raise_sign header=300 value=7", out.lines()[0])
}

func TestLogger_Color(t *testing.T) {
	var out syncBuffer
	l := New(&out, Config{Color: true})

	l.Event(triggers.HostExitRoom{})
	lines := out.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "\x1b[")
	assert.Contains(t, lines[0], "host_exit_room")
}
