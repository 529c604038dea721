// Package router implements the E3 router (spec §4.3): one Context per
// E3Id, a fixed-order chain of Extensions that react to every inbound
// event, and forwarding of role-addressed events ("keyshare", "publickey",
// "plaintext") to whichever recipient an extension has installed for that
// role, buffering until one is. Grounded on the teacher's
// pkg/manager.WarrenFSM.Apply (dispatch a command against shared state,
// one switch per concern) generalized from a single Raft-applied state
// machine to a per-aggregate-id map of contexts driven by bus events, and
// on pkg/aggregator/buffer.go's buffer-until-known/drain-in-order shape
// for the role buffering.
package router

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/enclaveerr"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/log"
	"github.com/gnosisguild/enclave/pkg/store"
)

// Context is the per-E3 state a chain of Extensions reads and writes: a
// typed dependency map (later extensions see what earlier ones installed,
// per spec §4.3 "Determinism") plus named role recipients.
type Context struct {
	E3ID events.E3ID

	mu         sync.Mutex
	deps       map[string]interface{}
	recipients map[string]bus.Recipient
	onInstall  func(role string)
}

func newContext(e3ID events.E3ID) *Context {
	return &Context{
		E3ID:       e3ID,
		deps:       make(map[string]interface{}),
		recipients: make(map[string]bus.Recipient),
	}
}

// Set installs a dependency under key.
func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[key] = value
}

// Get reads a dependency previously installed by Set.
func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.deps[key]
	return v, ok
}

// SetRecipient installs the bus.Recipient a role forwards to. Events
// already buffered for that role are drained immediately, in arrival
// order.
func (c *Context) SetRecipient(role string, recipient bus.Recipient) {
	c.mu.Lock()
	c.recipients[role] = recipient
	onInstall := c.onInstall
	c.mu.Unlock()
	if onInstall != nil {
		onInstall(role)
	}
}

func (c *Context) recipientFor(role string) (bus.Recipient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recipients[role]
	return r, ok
}

// Extension is one pluggable stage of the router pipeline. OnEvent runs
// synchronously for every E3-scoped event, in registration order, and may
// install dependencies/recipients into ctx. Hydrate reconstructs
// extension-owned state after a restart, given the router's persisted
// record for ctx.E3ID (extensions with their own store prefix typically
// read it directly via ctx.E3ID and ignore snapshot).
type Extension interface {
	Name() string
	OnEvent(ctx *Context, ev *events.EnclaveEvent)
	Hydrate(ctx *Context, snapshot []byte)
}

// rolesFor names which named recipients an event type is forwarded to,
// once installed. Events absent from this table are seen by extensions
// only, never forwarded.
var rolesFor = map[events.Type][]string{
	events.TypeCiphernodeSelected:        {"keyshare"},
	events.TypeCiphertextOutputPublished: {"keyshare"},
	events.TypePlaintextAggregated:       {"keyshare"},
	events.TypeKeyshareCreated:           {"publickey"},
	events.TypeDecryptionshareCreated:    {"plaintext"},
	events.TypeCommitteeFinalized:        {"publickey", "plaintext"},
}

// terminal event types checkpoint a Context to the store and drop its
// in-memory handles, per spec §4.3 "Lifecycle".
var terminal = map[events.Type]bool{
	events.TypePlaintextAggregated: true,
	events.TypeE3Failed:            true,
}

// contextRecord is the router's own small persisted marker for an E3Id —
// just enough to re-allocate and re-hydrate a Context after restart.
// Extension-owned state lives under the extensions' own store prefixes.
type contextRecord struct {
	E3ID   string `json:"e3_id"`
	Status string `json:"status"`
}

const (
	statusActive = "active"
	statusDone   = "done"
)

// Router owns one Context per active E3Id and dispatches every E3-scoped
// bus event through the registered Extensions, then to role recipients.
type Router struct {
	bus        *bus.Bus
	store      *store.Store
	extensions []Extension

	inbox  bus.Recipient
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger

	mu       sync.Mutex
	contexts map[events.E3ID]*Context
	buffers  map[events.E3ID]*roleBuffer
	seq      uint64
}

// New builds a Router with its extension chain fixed in the given order.
func New(b *bus.Bus, st *store.Store, extensions ...Extension) *Router {
	return &Router{
		bus:        b,
		store:      st,
		extensions: extensions,
		inbox:      bus.NewRecipient(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log.WithComponent("router"),
		contexts:   make(map[events.E3ID]*Context),
		buffers:    make(map[events.E3ID]*roleBuffer),
	}
}

// Start hydrates every persisted, still-active context, then begins
// dispatching new events.
func (r *Router) Start() {
	r.hydrateAll()
	r.bus.SubscribeAll(r.inbox)
	go r.run()
}

func (r *Router) run() {
	defer close(r.doneCh)
	for {
		select {
		case ev := <-r.inbox:
			if ev.Type == events.TypeShutdown {
				return
			}
			r.handle(ev)
		case <-r.stopCh:
			return
		}
	}
}

// Stop halts dispatch.
func (r *Router) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// ActiveContexts returns the number of E3 contexts currently tracked.
func (r *Router) ActiveContexts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

func (r *Router) handle(ev *events.EnclaveEvent) {
	if ev.Context.AggregateID == "" {
		return // not E3-scoped; the router has nothing to own
	}
	e3ID := events.E3ID(ev.Context.AggregateID)
	ctx := r.contextFor(e3ID)

	for _, ext := range r.extensions {
		extension := ext
		err := enclaveerr.Trap(enclaveerr.Protocol, func() error {
			extension.OnEvent(ctx, ev)
			return nil
		})
		if err != nil {
			r.logger.Error().Err(err).Str("extension", extension.Name()).
				Str("event_type", string(ev.Type)).Str("e3_id", string(e3ID)).
				Msg("router extension failed")
		}
	}

	for _, role := range rolesFor[ev.Type] {
		r.forward(ctx, role, ev)
	}

	if terminal[ev.Type] {
		r.finalize(ctx)
	}
}

func (r *Router) contextFor(e3ID events.E3ID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[e3ID]
	if ok {
		return ctx
	}
	ctx = newContext(e3ID)
	ctx.onInstall = func(role string) { r.drainRole(ctx, role) }
	r.contexts[e3ID] = ctx
	r.persist(e3ID, statusActive)
	return ctx
}

func (r *Router) forward(ctx *Context, role string, ev *events.EnclaveEvent) {
	if recipient, ok := ctx.recipientFor(role); ok {
		r.deliver(recipient, ev)
		return
	}
	r.mu.Lock()
	buf, ok := r.buffers[ctx.E3ID]
	if !ok {
		buf = newRoleBuffer()
		r.buffers[ctx.E3ID] = buf
	}
	buf.push(role, ev)
	r.mu.Unlock()
}

func (r *Router) drainRole(ctx *Context, role string) {
	r.mu.Lock()
	buf, ok := r.buffers[ctx.E3ID]
	r.mu.Unlock()
	if !ok {
		return
	}
	pending := buf.drain(role)
	recipient, ok := ctx.recipientFor(role)
	if !ok {
		return
	}
	for _, ev := range pending {
		r.deliver(recipient, ev)
	}
}

func (r *Router) deliver(recipient bus.Recipient, ev *events.EnclaveEvent) {
	err := enclaveerr.Trap(enclaveerr.Protocol, func() error {
		select {
		case recipient <- ev:
		case <-r.stopCh:
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("router failed to forward event to recipient")
	}
}

// finalize checkpoints ctx as done and drops its in-memory handles; the
// persisted marker remains for audit (spec §4.3 "Lifecycle").
func (r *Router) finalize(ctx *Context) {
	r.persist(ctx.E3ID, statusDone)
	r.mu.Lock()
	delete(r.contexts, ctx.E3ID)
	delete(r.buffers, ctx.E3ID)
	r.mu.Unlock()
}

func (r *Router) persist(e3ID events.E3ID, status string) {
	data, err := json.Marshal(contextRecord{E3ID: string(e3ID), Status: status})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal context record")
		return
	}
	r.seq++
	if err := r.store.Put(store.PrefixContext+string(e3ID), r.seq, data); err != nil {
		r.logger.Error().Err(err).Str("e3_id", string(e3ID)).Msg("failed to checkpoint context")
	}
}

// hydrateAll enumerates every persisted context still marked active and
// asks each extension, in order, to rebuild its state for it.
func (r *Router) hydrateAll() {
	err := r.store.ForEachPrefix(store.PrefixContext, func(entry store.Entry) error {
		var rec contextRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			r.logger.Error().Err(err).Str("key", entry.Key).Msg("malformed persisted context record")
			return nil
		}
		if rec.Status != statusActive {
			return nil
		}
		e3ID := events.E3ID(rec.E3ID)
		ctx := newContext(e3ID)
		ctx.onInstall = func(role string) { r.drainRole(ctx, role) }
		for _, ext := range r.extensions {
			ext.Hydrate(ctx, entry.Value)
		}
		r.mu.Lock()
		r.contexts[e3ID] = ctx
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to enumerate persisted contexts")
	}
}
