// Package memblock deduplicates fabric memory registrations.
//
// Registering memory with the fabric is expensive and the same buffer
// is typically referenced by many encoded objects. The Provider caches
// registrations by (address range, memory kind) with reference counts:
// a view fully enclosed by a live registration reuses its cookie, and
// the fabric-level registration is torn down only when the last
// reference is released. Eviction is strictly refcount driven.
package memblock

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrRegister      = errors.New("memblock: fabric registration failed")
	ErrUnknownCookie = errors.New("memblock: cookie does not belong to this provider")
)

// Cookie is the opaque fabric-level registration token. Peers present
// it verbatim when issuing one-sided reads against the region.
type Cookie []byte

func (c Cookie) key() string { return string(c) }

// Registrar is the narrow slice of the fabric the provider needs.
// A fabric worker implements it.
type Registrar interface {
	RegisterMemory(view View) (Cookie, error)
	DeregisterMemory(cookie Cookie) error
}

// Binding ties a view to the registration backing it. The holder must
// release the binding exactly once; the registered region outlives the
// binding until every reference is gone.
type Binding struct {
	view   View
	cookie Cookie
	// offset of the view inside the registered region.
	offset uint64
}

func (b Binding) View() View     { return b.view }
func (b Binding) Cookie() Cookie { return b.cookie }
func (b Binding) Offset() uint64 { return b.offset }

type regEntry struct {
	view   View
	cookie Cookie
	refs   int
}

// Provider is the registration cache. Safe for concurrent use; the
// fabric progress goroutine never takes its lock.
type Provider struct {
	mu        sync.Mutex
	registrar Registrar
	byCookie  map[string]*regEntry
}

func NewProvider(registrar Registrar) *Provider {
	return &Provider{
		registrar: registrar,
		byCookie:  make(map[string]*regEntry),
	}
}

// Register returns a binding for view. Unless force is set, a view
// fully enclosed by an existing registration reuses it: the smallest
// enclosing registration wins and its refcount is incremented. A view
// no live registration encloses gets a fresh fabric registration.
func (p *Provider) Register(view View, force bool) (Binding, error) {
	if view.Len() == 0 {
		return Binding{}, fmt.Errorf("%w: empty view", ErrRegister)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !force {
		if entry := p.smallestEnclosing(view); entry != nil {
			entry.refs++
			return Binding{
				view:   view,
				cookie: entry.cookie,
				offset: uint64(view.base() - entry.view.base()),
			}, nil
		}
	}

	cookie, err := p.registrar.RegisterMemory(view)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: %w", ErrRegister, err)
	}
	p.byCookie[cookie.key()] = &regEntry{view: view, cookie: cookie, refs: 1}
	return Binding{view: view, cookie: cookie, offset: 0}, nil
}

// Release drops one reference on the registration behind b. The last
// release deregisters the region from the fabric.
func (p *Provider) Release(b Binding) error {
	p.mu.Lock()
	entry, ok := p.byCookie[b.cookie.key()]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownCookie
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.byCookie, b.cookie.key())
	p.mu.Unlock()

	return p.registrar.DeregisterMemory(b.cookie)
}

// RefCount reports the live reference count for a cookie, zero if the
// registration is gone.
func (p *Provider) RefCount(cookie Cookie) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.byCookie[cookie.key()]; ok {
		return entry.refs
	}
	return 0
}

// Size reports how many distinct fabric registrations are live.
func (p *Provider) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byCookie)
}

// smallestEnclosing scans live registrations for the tightest one that
// fully covers view. Registration counts are small; a linear scan
// keeps the structure trivial.
func (p *Provider) smallestEnclosing(view View) *regEntry {
	var best *regEntry
	for _, entry := range p.byCookie {
		if !entry.view.contains(view) {
			continue
		}
		if best == nil || entry.view.Len() < best.view.Len() {
			best = entry
		}
	}
	return best
}
