// Package filter holds per-direction header rules that block or replace frames.
//
// A header carries at most one rule per direction. Installing any rule for a
// header replaces whatever rule it had. A rule whose callback fails (returns
// an error or panics) is removed and the frame passes through.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/udisondev/habproxy/internal/protocol"
)

// Predicate decides whether a frame is blocked.
type Predicate func(m *protocol.Message) (bool, error)

// Replacer returns the frame to forward instead of m. A nil result forwards m unchanged.
type Replacer func(m *protocol.Message) (*protocol.Message, error)

// Kind is the role of a rule.
type Kind int

const (
	KindBlock Kind = iota + 1
	KindBlockIf
	KindReplace
	KindReplaceVia
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindBlockIf:
		return "block_if"
	case KindReplace:
		return "replace"
	case KindReplaceVia:
		return "replace_via"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Verdict is the outcome of Apply.
type Verdict int

const (
	Pass Verdict = iota
	Blocked
	Replaced
)

func (v Verdict) String() string {
	switch v {
	case Blocked:
		return "blocked"
	case Replaced:
		return "replaced"
	default:
		return "pass"
	}
}

// Rule describes an installed rule.
type Rule struct {
	Header uint16
	Kind   Kind
}

type rule struct {
	kind      Kind
	predicate Predicate
	message   *protocol.Message
	replacer  Replacer
}

// Chain is safe for concurrent use: lookups take a read lock, installs and
// removals a write lock. Callbacks run outside the lock.
type Chain struct {
	mu    sync.RWMutex
	rules [2]map[uint16]*rule
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{rules: [2]map[uint16]*rule{{}, {}}}
}

func (c *Chain) set(dir protocol.Direction, header uint16, r *rule) {
	c.mu.Lock()
	c.rules[dir][header] = r
	c.mu.Unlock()
}

// Block drops every frame with header.
func (c *Chain) Block(dir protocol.Direction, header uint16) {
	c.set(dir, header, &rule{kind: KindBlock})
}

// BlockIf drops frames with header for which pred returns true.
func (c *Chain) BlockIf(dir protocol.Direction, header uint16, pred Predicate) {
	c.set(dir, header, &rule{kind: KindBlockIf, predicate: pred})
}

// Replace forwards a copy of msg in place of every frame with header.
func (c *Chain) Replace(dir protocol.Direction, header uint16, msg *protocol.Message) {
	c.set(dir, header, &rule{kind: KindReplace, message: msg.Clone()})
}

// ReplaceVia forwards fn(frame) in place of every frame with header.
func (c *Chain) ReplaceVia(dir protocol.Direction, header uint16, fn Replacer) {
	c.set(dir, header, &rule{kind: KindReplaceVia, replacer: fn})
}

func (c *Chain) remove(dir protocol.Direction, header uint16, kinds ...Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[dir][header]
	if !ok || !slices.Contains(kinds, r.kind) {
		return false
	}
	delete(c.rules[dir], header)
	return true
}

func (c *Chain) removeAll(dir protocol.Direction, kinds ...Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, r := range c.rules[dir] {
		if slices.Contains(kinds, r.kind) {
			delete(c.rules[dir], h)
		}
	}
}

// Unblock removes a block rule for header. It reports whether one existed.
func (c *Chain) Unblock(dir protocol.Direction, header uint16) bool {
	return c.remove(dir, header, KindBlock, KindBlockIf)
}

// UnblockAll removes every block rule in dir.
func (c *Chain) UnblockAll(dir protocol.Direction) {
	c.removeAll(dir, KindBlock, KindBlockIf)
}

// Unreplace removes a replace rule for header. It reports whether one existed.
func (c *Chain) Unreplace(dir protocol.Direction, header uint16) bool {
	return c.remove(dir, header, KindReplace, KindReplaceVia)
}

// UnreplaceAll removes every replace rule in dir.
func (c *Chain) UnreplaceAll(dir protocol.Direction) {
	c.removeAll(dir, KindReplace, KindReplaceVia)
}

// Clear removes every rule in dir.
func (c *Chain) Clear(dir protocol.Direction) {
	c.mu.Lock()
	c.rules[dir] = map[uint16]*rule{}
	c.mu.Unlock()
}

// Rules lists installed rules in dir ordered by header.
func (c *Chain) Rules(dir protocol.Direction) []Rule {
	c.mu.RLock()
	out := make([]Rule, 0, len(c.rules[dir]))
	for h, r := range c.rules[dir] {
		out = append(out, Rule{Header: h, Kind: r.kind})
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Rule) int { return int(a.Header) - int(b.Header) })
	return out
}

// Lookup returns the rule kind installed for header, if any.
func (c *Chain) Lookup(dir protocol.Direction, header uint16) (Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[dir][header]
	if !ok {
		return 0, false
	}
	return r.kind, true
}

// Apply runs the rule for msg's header. For Replaced the returned message is
// the one to forward; otherwise it is msg. Corrupted messages always pass.
func (c *Chain) Apply(dir protocol.Direction, msg *protocol.Message) (Verdict, *protocol.Message) {
	if msg.IsCorrupted() {
		return Pass, msg
	}

	c.mu.RLock()
	r, ok := c.rules[dir][msg.Header()]
	c.mu.RUnlock()
	if !ok {
		return Pass, msg
	}

	switch r.kind {
	case KindBlock:
		return Blocked, msg

	case KindBlockIf:
		view := msg.Clone()
		blocked, err := callPredicate(r.predicate, view)
		if err != nil {
			c.fault(dir, msg.Header(), r, err)
			return Pass, msg
		}
		if blocked {
			return Blocked, msg
		}
		return Pass, msg

	case KindReplace:
		out := r.message.Clone()
		out.SetDestination(dir.Destination())
		return Replaced, out

	case KindReplaceVia:
		out, err := callReplacer(r.replacer, msg.Clone())
		if err != nil {
			c.fault(dir, msg.Header(), r, err)
			return Pass, msg
		}
		if out == nil {
			return Pass, msg
		}
		out.SetDestination(dir.Destination())
		return Replaced, out
	}
	return Pass, msg
}

// fault removes r if it is still the rule installed for header.
func (c *Chain) fault(dir protocol.Direction, header uint16, r *rule, err error) {
	c.mu.Lock()
	removed := c.rules[dir][header] == r
	if removed {
		delete(c.rules[dir], header)
	}
	c.mu.Unlock()

	if removed {
		slog.Warn("filter rule failed, removed",
			"direction", dir,
			"header", header,
			"kind", r.kind,
			"err", err)
	}
}

// errPanic wraps a recovered callback panic.
var errPanic = errors.New("filter callback panicked")

func callPredicate(p Predicate, m *protocol.Message) (blocked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
	}()
	return p(m)
}

func callReplacer(fn Replacer, m *protocol.Message) (out *protocol.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
	}()
	return fn(m)
}
