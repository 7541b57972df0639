// Package handshake sits in the middle of the game's key exchange.
//
// The game server signs its Diffie-Hellman group with its RSA key; the client
// verifies it with a public key the proxy controls. The interceptor runs two
// exchanges: it answers the server as the client would, and presents the
// client with its own signed group. Once both shared keys exist it installs
// RC4 on the relay so every later frame is decrypted, inspected and
// re-encrypted for the other side.
package handshake

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/udisondev/habproxy/internal/crypto"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/relay"
)

// ErrOutOfOrder is returned when a handshake packet arrives before the one it depends on.
var ErrOutOfOrder = errors.New("handshake packet out of order")

// Headers are the frame headers of the three handshake packets for the
// current server build.
type Headers struct {
	// Init is the server's signed prime and generator (incoming).
	Init uint16
	// ClientComplete carries the client's encrypted public value (outgoing).
	ClientComplete uint16
	// ServerComplete carries the server's signed public value (incoming).
	ServerComplete uint16
}

// Enabled reports whether all three headers are configured.
func (h Headers) Enabled() bool {
	return h.Init != 0 && h.ClientComplete != 0 && h.ServerComplete != 0
}

// Config configures an Interceptor.
type Config struct {
	Headers
	// EncryptIncoming enables RC4 on server frames as well.
	EncryptIncoming bool
	KeyExchange     crypto.KeyExchangeConfig
}

// Interceptor runs the man-in-the-middle key exchange for one session.
type Interceptor struct {
	cfg       Config
	serverKey *crypto.RSAKey // game server public key
	proxyKey  *crypto.RSAKey // private key trusted by the patched client

	r       *relay.Relay
	removes []func()

	mu           sync.Mutex
	clientSide   *crypto.KeyExchange // proxy as server, facing the client
	serverSide   *crypto.KeyExchange // proxy as client, facing the server
	clientShared []byte
	done         bool
	finished     chan struct{}
}

// New creates an interceptor. serverKey must hold the game server's public
// key; proxyKey must be private.
func New(cfg Config, serverKey, proxyKey *crypto.RSAKey) (*Interceptor, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("handshake headers not configured: %+v", cfg.Headers)
	}
	if !proxyKey.IsPrivate() {
		return nil, fmt.Errorf("proxy key: %w", crypto.ErrNoPrivateKey)
	}
	if cfg.KeyExchange.PrimeBits == 0 {
		cfg.KeyExchange = crypto.DefaultKeyExchangeConfig()
	}
	return &Interceptor{
		cfg:       cfg,
		serverKey: serverKey,
		proxyKey:  proxyKey,
		finished:  make(chan struct{}),
	}, nil
}

// Attach hooks the interceptor into r. It must be called before r runs.
func (ic *Interceptor) Attach(r *relay.Relay) {
	ic.r = r
	ic.removes = append(ic.removes,
		r.OnIncoming(ic.onIncoming),
		r.OnOutgoing(ic.onOutgoing),
	)
}

// Done is closed once ciphers are installed.
func (ic *Interceptor) Done() <-chan struct{} { return ic.finished }

// Completed reports whether the handshake finished.
func (ic *Interceptor) Completed() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.done
}

func (ic *Interceptor) onIncoming(ev *relay.Intercepted) {
	switch ev.Message().Header() {
	case ic.cfg.Init:
		ic.handle(ev, ic.replaceInit)
	case ic.cfg.ServerComplete:
		ic.handle(ev, ic.completeServer)
	}
}

func (ic *Interceptor) onOutgoing(ev *relay.Intercepted) {
	if ev.Message().Header() == ic.cfg.ClientComplete {
		ic.handle(ev, ic.completeClient)
	}
}

func (ic *Interceptor) handle(ev *relay.Intercepted, step func(*relay.Intercepted) error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.done || ev.IsBlocked() {
		return
	}
	if err := step(ev); err != nil {
		ev.Block()
		slog.Error("handshake interception failed",
			"direction", ev.Direction(),
			"header", ev.Message().Header(),
			"err", err)
		ic.r.Abort(fmt.Errorf("handshake: %w", err))
	}
}

// replaceInit verifies the server's group and hands the client the proxy's own.
func (ic *Interceptor) replaceInit(ev *relay.Intercepted) error {
	m := ev.Message().Clone()
	signedPrime, err := m.ReadString()
	if err != nil {
		return fmt.Errorf("reading signed prime: %w", err)
	}
	signedGenerator, err := m.ReadString()
	if err != nil {
		return fmt.Errorf("reading signed generator: %w", err)
	}

	serverSide := crypto.NewResponder(ic.serverKey, ic.cfg.KeyExchange)
	if err := serverSide.DoHandshake(signedPrime, signedGenerator); err != nil {
		return err
	}
	clientSide, err := crypto.NewInitiator(ic.proxyKey, ic.cfg.KeyExchange)
	if err != nil {
		return err
	}

	out, err := withTail(m, clientSide.SignedPrime(), clientSide.SignedGenerator())
	if err != nil {
		return err
	}
	ic.serverSide, ic.clientSide = serverSide, clientSide
	ev.Replace(out)
	slog.Debug("handshake init replaced", "prime_bits", clientSide.Prime().Big().BitLen())
	return nil
}

// completeClient unwraps the client's public value and forwards the proxy's
// server-facing one instead.
func (ic *Interceptor) completeClient(ev *relay.Intercepted) error {
	if ic.clientSide == nil {
		return ErrOutOfOrder
	}
	m := ev.Message().Clone()
	clientPublic, err := m.ReadString()
	if err != nil {
		return fmt.Errorf("reading client public key: %w", err)
	}

	shared, err := ic.clientSide.SharedKey(clientPublic)
	if err != nil {
		return fmt.Errorf("client side: %w", err)
	}
	ownPublic, err := ic.serverSide.PublicKey()
	if err != nil {
		return err
	}
	out, err := withTail(m, ownPublic)
	if err != nil {
		return err
	}
	ic.clientShared = shared
	ev.Replace(out)
	return nil
}

// completeServer unwraps the server's public value, installs the ciphers and
// sends the client the proxy's client-facing public value.
//
// The replacement is injected rather than forwarded: it has to reach the
// client in the clear even when incoming encryption starts right after it.
func (ic *Interceptor) completeServer(ev *relay.Intercepted) error {
	if ic.clientShared == nil {
		return ErrOutOfOrder
	}
	m := ev.Message().Clone()
	serverPublic, err := m.ReadString()
	if err != nil {
		return fmt.Errorf("reading server public key: %w", err)
	}

	serverShared, err := ic.serverSide.SharedKey(serverPublic)
	if err != nil {
		return fmt.Errorf("server side: %w", err)
	}
	ownPublic, err := ic.clientSide.PublicKey()
	if err != nil {
		return err
	}
	out, err := withTail(m, ownPublic)
	if err != nil {
		return err
	}

	clientDecrypt, err := crypto.NewRC4(ic.clientShared)
	if err != nil {
		return err
	}
	serverEncrypt, err := crypto.NewRC4(serverShared)
	if err != nil {
		return err
	}
	ic.r.SetDecrypter(protocol.Outgoing, clientDecrypt)
	ic.r.SetEncrypter(protocol.Outgoing, serverEncrypt)

	var clientEncrypt *crypto.RC4
	if ic.cfg.EncryptIncoming {
		serverDecrypt, err := crypto.NewRC4(serverShared)
		if err != nil {
			return err
		}
		if clientEncrypt, err = crypto.NewRC4(ic.clientShared); err != nil {
			return err
		}
		ic.r.SetDecrypter(protocol.Incoming, serverDecrypt)
	}

	ev.Block()
	out.SetDestination(protocol.DestinationClient)
	if err := ic.r.SendToClient(out); err != nil {
		return err
	}
	if clientEncrypt != nil {
		ic.r.SetEncrypter(protocol.Incoming, clientEncrypt)
	}

	ic.done = true
	close(ic.finished)
	for _, remove := range ic.removes {
		remove()
	}
	slog.Info("handshake intercepted, traffic decrypted",
		"encrypt_incoming", ic.cfg.EncryptIncoming)
	return nil
}

// withTail builds a frame with m's header holding values followed by
// whatever m has left unread.
func withTail(m *protocol.Message, values ...any) (*protocol.Message, error) {
	tail, err := m.ReadBytes(m.Readable())
	if err != nil {
		return nil, err
	}
	out, err := protocol.New(m.Header(), values...)
	if err != nil {
		return nil, err
	}
	if len(tail) > 0 {
		if err := out.WriteBytes(tail); err != nil {
			return nil, err
		}
	}
	return out, nil
}
