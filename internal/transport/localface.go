package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Network is an in-process bridge between LocalFaces, standing in for
// the NDN forwarder in tests and for single-process multi-device
// simulations. Expressed interests are matched by longest-prefix
// against the registered prefixes of every face on the network. A Put
// reaches only interests already pending under exactly its name.
type Network struct {
	mu    sync.Mutex
	faces []*LocalFace
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network { return &Network{} }

// NewFace creates a LocalFace attached to n.
func (n *Network) NewFace() *LocalFace {
	f := &LocalFace{
		network:   n,
		prefixes:  make(map[RegisteredPrefixID]registration),
		pendingIn: make(map[string][]pendingInterest),
	}
	n.mu.Lock()
	n.faces = append(n.faces, f)
	n.mu.Unlock()
	return f
}

type registration struct {
	prefix  string
	handler InterestHandler
}

type pendingInterest struct {
	interest  Interest
	onData    DataCallback
	onTimeout TimeoutCallback
	deadline  time.Time
}

// LocalFace is a Face implementation backed by a Network. The set of
// registered prefixes is guarded by its own mutex, matching §5's note
// that the registered-prefix set is one of the two structures shared
// between the executor and transport threads.
type LocalFace struct {
	network *Network

	mu       sync.Mutex
	prefixes map[RegisteredPrefixID]registration
	nextID   RegisteredPrefixID

	pendingMu sync.Mutex
	pendingIn map[string][]pendingInterest
}

var _ Face = (*LocalFace)(nil)

// Express implements Face.
func (f *LocalFace) Express(ctx context.Context, i Interest, onData DataCallback, onTimeout TimeoutCallback) error {
	name := i.Name
	if i.ForwardingHint != "" {
		name = i.ForwardingHint + "/" + i.Name
	}

	if data, ok := f.network.lookup(name, i); ok {
		go onData(data)
		return nil
	}

	f.pendingMu.Lock()
	f.pendingIn[i.Name] = append(f.pendingIn[i.Name], pendingInterest{interest: i, onData: onData, onTimeout: onTimeout})
	f.pendingMu.Unlock()

	lifetime := i.Lifetime
	if lifetime <= 0 {
		lifetime = 4 * time.Second
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(lifetime):
		}
		if f.takePending(i.Name) && onTimeout != nil {
			onTimeout(i)
		}
	}()
	return nil
}

func (f *LocalFace) takePending(name string) bool {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	list := f.pendingIn[name]
	if len(list) == 0 {
		return false
	}
	f.pendingIn[name] = list[1:]
	return true
}

// Put implements Face: it satisfies every interest pending under
// exactly d.Name, on this face and on every other face of the network.
// d is not retained: an interest expressed after Put returns is not
// satisfied by it.
func (f *LocalFace) Put(d Data) error {
	f.pendingMu.Lock()
	list := f.pendingIn[d.Name]
	delete(f.pendingIn, d.Name)
	f.pendingMu.Unlock()

	for _, p := range list {
		p.onData(d)
	}

	f.network.publish(d)
	return nil
}

// RegisterPrefix implements Face.
func (f *LocalFace) RegisterPrefix(prefix string, handler InterestHandler) (RegisteredPrefixID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.prefixes[id] = registration{prefix: prefix, handler: handler}
	return id, nil
}

// Unregister implements Face.
func (f *LocalFace) Unregister(id RegisteredPrefixID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prefixes[id]; !ok {
		return fmt.Errorf("transport: no such registration %d", id)
	}
	delete(f.prefixes, id)
	return nil
}

func (f *LocalFace) matchingHandlers(name string) []registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registration
	for _, r := range f.prefixes {
		if strings.HasPrefix(name, r.prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].prefix) > len(out[j].prefix) })
	return out
}

func (n *Network) publish(d Data) {
	n.mu.Lock()
	faces := append([]*LocalFace(nil), n.faces...)
	n.mu.Unlock()

	for _, other := range faces {
		other.pendingMu.Lock()
		list := other.pendingIn[d.Name]
		delete(other.pendingIn, d.Name)
		other.pendingMu.Unlock()
		for _, p := range list {
			p.onData(d)
		}
	}
}

// lookup asks every registered handler across the network whether it
// can satisfy i, longest-prefix match first.
func (n *Network) lookup(name string, i Interest) (Data, bool) {
	n.mu.Lock()
	faces := append([]*LocalFace(nil), n.faces...)
	n.mu.Unlock()

	var matches []registration
	for _, f := range faces {
		matches = append(matches, f.matchingHandlers(name)...)
	}
	sort.SliceStable(matches, func(a, b int) bool { return len(matches[a].prefix) > len(matches[b].prefix) })
	for _, r := range matches {
		if data, ok := r.handler(i.ForwardingHint, i); ok {
			return data, true
		}
	}
	return Data{}, false
}
