package spv

import (
	"sync"

	"github.com/Klingon-tech/klingnet-spv/internal/impediment"
)

// Listener receives lifecycle notifications. Calls are synchronous and
// made while the manager's lock is held: a listener must not call Check,
// Init or Shutdown.
type Listener interface {
	CheckStart()
	CheckEnd()
	PeerGroupInitialized(pm PeerManager)
	OnBlockchainOff(impediments impediment.Set)
}

// ListenerFuncs adapts functions to Listener. Nil fields are skipped.
// Subscribe a pointer so that it can be unsubscribed.
type ListenerFuncs struct {
	OnCheckStart           func()
	OnCheckEnd             func()
	OnPeerGroupInitialized func(PeerManager)
	OnOff                  func(impediment.Set)
}

func (f *ListenerFuncs) CheckStart() {
	if f.OnCheckStart != nil {
		f.OnCheckStart()
	}
}

func (f *ListenerFuncs) CheckEnd() {
	if f.OnCheckEnd != nil {
		f.OnCheckEnd()
	}
}

func (f *ListenerFuncs) PeerGroupInitialized(pm PeerManager) {
	if f.OnPeerGroupInitialized != nil {
		f.OnPeerGroupInitialized(pm)
	}
}

func (f *ListenerFuncs) OnBlockchainOff(s impediment.Set) {
	if f.OnOff != nil {
		f.OnOff(s)
	}
}

// Bus delivers notifications in subscription order.
type Bus struct {
	mu   sync.Mutex
	subs []Listener
}

// Subscribe appends l.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.subs = append(b.subs, l)
	b.mu.Unlock()
}

// Unsubscribe removes the first registration of l.
func (b *Bus) Unsubscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.subs {
		if x == l {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Listener(nil), b.subs...)
}

func (b *Bus) checkStart() {
	for _, l := range b.snapshot() {
		l.CheckStart()
	}
}

func (b *Bus) checkEnd() {
	for _, l := range b.snapshot() {
		l.CheckEnd()
	}
}

func (b *Bus) peerGroupInitialized(pm PeerManager) {
	for _, l := range b.snapshot() {
		l.PeerGroupInitialized(pm)
	}
}

func (b *Bus) onBlockchainOff(s impediment.Set) {
	for _, l := range b.snapshot() {
		l.OnBlockchainOff(s)
	}
}
