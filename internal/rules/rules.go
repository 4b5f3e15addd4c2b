// Package rules implements the per-payload-type policy objects (§4.4 Rules
// table) that sit between the session multiplexer and the sync cache:
// every execution-phase message passes through exactly one Rule selected
// by its payload.type before it is queued for a client, forwarded to the
// app, or merged into the app's message.
package rules

import (
	"log/slog"
	"sync"

	"github.com/ashureev/mre-session-mux/internal/message"
)

// ClientContext carries the minimal per-client identity a rule needs to
// make a queueing decision, without exposing the full Client type (which
// would create an import cycle between rules and client/session).
type ClientContext struct {
	ClientID      string
	Order         int
	Authoritative bool
}

// SessionContext carries the session-level collaborators a rule needs:
// the cache mutator surface (§4.5) and the session id, for logging.
type SessionContext struct {
	SessionID string
	Cache     CacheMutator
}

// CacheMutator is the subset of the sync cache's write surface that rules
// are allowed to drive (§4.5). Defined here, implemented by
// internal/synccache.Cache, to keep rules decoupled from the cache's
// internal representation.
type CacheMutator interface {
	InitializeActor(msg *message.Message)
	UpdateActor(msg *message.Message)
	RecordAssetCreator(msg *message.Message)
	ResolveAssetCreation(msg *message.Message)
	UpdateAsset(msg *message.Message)
	UnloadAssets(containerID string)
}

// Rule provides the pre-queue hook and the two pre-receive hooks (from the
// app, from a client) for one payload.type (§4.4). Every hook may rewrite msg and returns keep=false to
// drop it; a drop is silent (§7 kind 5) and, if the caller held a reply
// promise on the message, the protocol layer — not the rule — is
// responsible for rejecting it.
type Rule interface {
	// BeforeQueueMessageForClient runs when a message destined for a
	// not-yet-executing client is about to be queued (§4.4 Queueing).
	BeforeQueueMessageForClient(ctx ClientContext, msg *message.Message) (*message.Message, bool)

	// BeforeReceiveFromApp runs when a message arrives from the app,
	// before fan-out to clients. This is where actor/asset payloads are
	// merged into the sync cache (§4.5) prior to forwarding.
	BeforeReceiveFromApp(ctx SessionContext, msg *message.Message) (*message.Message, bool)

	// BeforeReceiveFromClient runs when a message arrives from a client,
	// before forwarding to the app.
	BeforeReceiveFromClient(ctx SessionContext, client ClientContext, msg *message.Message) (*message.Message, bool)
}

// BaseRule is an identity Rule: every hook passes the message through
// unchanged. Concrete rules embed it and override only the hooks they
// care about.
type BaseRule struct{}

// BeforeQueueMessageForClient implements Rule as a no-op passthrough.
func (BaseRule) BeforeQueueMessageForClient(_ ClientContext, msg *message.Message) (*message.Message, bool) {
	return msg, true
}

// BeforeReceiveFromApp implements Rule as a no-op passthrough.
func (BaseRule) BeforeReceiveFromApp(_ SessionContext, msg *message.Message) (*message.Message, bool) {
	return msg, true
}

// BeforeReceiveFromClient implements Rule as a no-op passthrough.
func (BaseRule) BeforeReceiveFromClient(_ SessionContext, _ ClientContext, msg *message.Message) (*message.Message, bool) {
	return msg, true
}

// missingRule is returned for payload types with no registered Rule (§4.4:
// "Unknown types use MissingRule (identity hooks + warning)").
type missingRule struct {
	BaseRule
}

// Table maps payload.type to its Rule, falling back to MissingRule (with a
// logged warning) for unregistered types.
type Table struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	missing missingRule
	logger  *slog.Logger
	warned  map[string]bool
}

// NewTable constructs an empty rules table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		rules:  make(map[string]Rule),
		logger: logger,
		warned: make(map[string]bool),
	}
}

// Register installs rule for payload type typ, replacing any prior rule
// for that type.
func (t *Table) Register(typ string, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[typ] = rule
}

// Get returns the Rule registered for typ, or MissingRule if none is
// registered — logging a warning the first time each unregistered type is
// looked up, so a noisy stream of one payload type doesn't flood the log.
func (t *Table) Get(typ string) Rule {
	t.mu.RLock()
	rule, ok := t.rules[typ]
	t.mu.RUnlock()
	if ok {
		return rule
	}

	t.mu.Lock()
	if !t.warned[typ] {
		t.warned[typ] = true
		t.logger.Warn("rules: no rule registered for payload type, using identity rule", "payload_type", typ)
	}
	t.mu.Unlock()
	return t.missing
}
