package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-run/carapace/internal/allowlist"
	"github.com/carapace-run/carapace/internal/event"
	"github.com/carapace-run/carapace/internal/logging"
	"github.com/carapace-run/carapace/internal/metrics"
	"github.com/carapace-run/carapace/pkg/types"
)

// approvalTimeout bounds how long a suspended proxy connection waits
// for a user decision before it is treated as denied (§4.3 "Domain
// approval").
const approvalTimeout = 120 * time.Second

// timedGrant is how long an allow_15min/allow_all_15min decision stays
// effective (§4.3's decision table).
const timedGrant = 15 * time.Minute

// Domains owns the per-session DomainAllowlist buckets and the
// approval queue the Proxy enqueues into and the Orchestrator drains.
// Grounded on src/carapace/sandbox/manager.py's SandboxManager
// domain-approval methods and its sibling proxy.py's DomainDecision
// handling, split into its own file since domain approval is a
// logically distinct responsibility from container lifecycle.
type Domains struct {
	store   *allowlist.Store
	metrics *metrics.Registry
	bus     *event.Bus

	mu         sync.Mutex
	queues     map[string][]*types.DomainApprovalPending
	pending    map[string]*types.DomainApprovalPending
	currentCmd map[string]string
}

// NewDomains constructs a Domains tracker. bus may be nil in tests.
func NewDomains(m *metrics.Registry, bus *event.Bus) *Domains {
	return &Domains{
		store:      allowlist.NewStore(),
		metrics:    m,
		bus:        bus,
		queues:     make(map[string][]*types.DomainApprovalPending),
		pending:    make(map[string]*types.DomainApprovalPending),
		currentCmd: make(map[string]string),
	}
}

// IsAuthorized is the Egress Proxy's fast, lock-free snapshot check
// (§3, §4.4 "Domain authorization" steps 1-3).
func (d *Domains) IsAuthorized(sessionID, domain string) bool {
	return d.store.Authorized(sessionID, domain, time.Now().Unix())
}

// RequestApproval enqueues a DomainApprovalPending for sessionID and
// blocks until the Orchestrator resolves it via Resolve, or
// approvalTimeout elapses (timeout counts as deny). This is the
// callback the Egress Proxy invokes on a domain-authorization miss
// (§4.4 "Domain authorization" step 4).
func (d *Domains) RequestApproval(ctx context.Context, sessionID, domain string) bool {
	requestID := newRequestID()

	pending := &types.DomainApprovalPending{
		RequestID:  requestID,
		SessionID:  sessionID,
		Domain:     domain,
		Command:    d.currentCommand(sessionID),
		DecisionCh: make(chan types.ProxyDecision, 1),
	}

	d.mu.Lock()
	d.queues[sessionID] = append(d.queues[sessionID], pending)
	d.pending[requestID] = pending
	d.mu.Unlock()

	logging.Info().Str("request_id", requestID).Str("session", sessionID).Str("domain", domain).Msg("sandbox: domain approval requested")
	d.publish(event.ProxyApprovalRequired, map[string]string{"request_id": requestID, "session_id": sessionID, "domain": domain})

	timer := time.NewTimer(approvalTimeout)
	defer timer.Stop()

	var decision types.ProxyDecision
	select {
	case decision = <-pending.DecisionCh:
	case <-timer.C:
		logging.Warn().Str("request_id", requestID).Str("domain", domain).Msg("sandbox: domain approval timed out, denying")
		decision = types.DecisionDeny
	case <-ctx.Done():
		decision = types.DecisionDeny
	}

	d.forget(requestID)
	authorized := d.apply(sessionID, domain, decision)
	d.publish(event.ProxyApprovalResolved, map[string]any{
		"request_id": requestID, "session_id": sessionID, "domain": domain, "decision": string(decision), "authorized": authorized,
	})
	return authorized
}

func (d *Domains) publish(t event.Type, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.Event{Type: t, Data: data})
}

// DrainQueue pops every pending approval request queued for sessionID,
// for the Orchestrator's per-channel background drain task (§4.2
// "Concurrent channel: proxy approvals").
func (d *Domains) DrainQueue(sessionID string) []*types.DomainApprovalPending {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[sessionID]
	delete(d.queues, sessionID)
	return q
}

// Resolve delivers decision to the pending request named by requestID,
// exactly once. It is a no-op if the request is unknown (already
// resolved, or timed out and forgotten).
func (d *Domains) Resolve(requestID string, decision types.ProxyDecision) {
	d.mu.Lock()
	pending, ok := d.pending[requestID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pending.DecisionCh <- decision:
	default:
	}
}

// CancelSession resolves every outstanding pending for sessionID as
// DENY, the cancellation semantics a channel disconnect requires
// (§4.2 "Cancellation", §5 "Cancellation").
func (d *Domains) CancelSession(sessionID string) {
	for _, p := range d.DrainQueue(sessionID) {
		d.Resolve(p.RequestID, types.DecisionDeny)
	}
	d.mu.Lock()
	for id, p := range d.pending {
		if p.SessionID == sessionID {
			delete(d.pending, id)
			select {
			case p.DecisionCh <- types.DecisionDeny:
			default:
			}
		}
	}
	d.mu.Unlock()
}

// BeginExec records command as the session's current-exec slot, for
// the Proxy to annotate approval requests with (§4.3 "Exec-command").
func (d *Domains) BeginExec(sessionID, command string) {
	d.mu.Lock()
	d.currentCmd[sessionID] = command
	d.mu.Unlock()
}

// EndExec clears the current-exec slot and the exec-scoped allowlist
// bucket, regardless of the exec's outcome (§4.3 "Exec-command").
func (d *Domains) EndExec(sessionID string) {
	d.mu.Lock()
	delete(d.currentCmd, sessionID)
	d.mu.Unlock()
	d.store.ClearExecTemp(sessionID)
}

// DeleteSession removes sessionID's allowlist state entirely.
func (d *Domains) DeleteSession(sessionID string) {
	d.store.Delete(sessionID)
	d.mu.Lock()
	delete(d.currentCmd, sessionID)
	d.mu.Unlock()
}

func (d *Domains) currentCommand(sessionID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentCmd[sessionID]
}

func (d *Domains) forget(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, requestID)
}

// apply implements the §4.3 decision table, returning whether the
// domain is now authorized.
func (d *Domains) apply(sessionID, domain string, decision types.ProxyDecision) bool {
	d.recordDecision(decision)
	now := time.Now().Unix()
	switch decision {
	case types.DecisionAllowOnce:
		d.store.AddExecTemp(sessionID, domain)
		return true
	case types.DecisionAllowAllOnce:
		d.store.AddExecTemp(sessionID, "*")
		return true
	case types.DecisionAllow15Min:
		d.store.AddTimed(sessionID, domain, now+int64(timedGrant.Seconds()))
		return true
	case types.DecisionAllowAll15Min:
		d.store.AddTimed(sessionID, "*", now+int64(timedGrant.Seconds()))
		return true
	default:
		return false
	}
}

func (d *Domains) recordDecision(decision types.ProxyDecision) {
	if d.metrics == nil {
		return
	}
	d.metrics.ProxyApprovals.WithLabelValues(string(decision)).Inc()
}

// newRequestID mints a DomainApprovalPending.RequestID from
// github.com/google/uuid — a deliberate second identifier space,
// disjoint from the ULID message/part ids used elsewhere (§5), since
// proxy approval requests and chat messages are never looked up by the
// same index.
func newRequestID() string {
	return uuid.NewString()
}
