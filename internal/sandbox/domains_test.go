package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-run/carapace/pkg/types"
)

func TestDomainsRequestApprovalResolvedAllow(t *testing.T) {
	d := NewDomains(nil, nil)

	var requestID string
	go func() {
		for {
			d.mu.Lock()
			q := d.queues["s1"]
			d.mu.Unlock()
			if len(q) > 0 {
				requestID = q[0].RequestID
				d.Resolve(requestID, types.DecisionAllow15Min)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ok := d.RequestApproval(context.Background(), "s1", "api.example.com")
	assert.True(t, ok)
	assert.True(t, d.IsAuthorized("s1", "api.example.com"))
}

func TestDomainsRequestApprovalDeny(t *testing.T) {
	d := NewDomains(nil, nil)
	go func() {
		for {
			d.mu.Lock()
			q := d.queues["s1"]
			d.mu.Unlock()
			if len(q) > 0 {
				d.Resolve(q[0].RequestID, types.DecisionDeny)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ok := d.RequestApproval(context.Background(), "s1", "evil.com")
	assert.False(t, ok)
	assert.False(t, d.IsAuthorized("s1", "evil.com"))
}

func TestDomainsAllowAllOnceIsExecScoped(t *testing.T) {
	d := NewDomains(nil, nil)
	d.BeginExec("s1", "curl https://anything")
	d.apply("s1", "*", types.DecisionAllowAllOnce)
	require.True(t, d.IsAuthorized("s1", "whatever.example.com"))

	d.EndExec("s1")
	assert.False(t, d.IsAuthorized("s1", "whatever.example.com"), "exec_temp must be empty outside the dynamic extent of an exec call")
}

func TestDomainsCancelSessionResolvesPendingAsDeny(t *testing.T) {
	d := NewDomains(nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var result bool
	go func() {
		defer wg.Done()
		result = d.RequestApproval(context.Background(), "s2", "api.example.com")
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.pending) > 0
	}, time.Second, time.Millisecond)

	d.CancelSession("s2")
	wg.Wait()
	assert.False(t, result)
}

func TestDomainsResolveUnknownRequestIsNoop(t *testing.T) {
	d := NewDomains(nil, nil)
	assert.NotPanics(t, func() {
		d.Resolve("does-not-exist", types.DecisionAllowOnce)
	})
}

func TestDomainsDrainQueueEmptiesIt(t *testing.T) {
	d := NewDomains(nil, nil)
	pending := &types.DomainApprovalPending{RequestID: "req1", SessionID: "s1", Domain: "a.example.com", DecisionCh: make(chan types.ProxyDecision, 1)}
	d.mu.Lock()
	d.queues["s1"] = append(d.queues["s1"], pending)
	d.pending["req1"] = pending
	d.mu.Unlock()

	first := d.DrainQueue("s1")
	require.Len(t, first, 1)
	assert.Equal(t, "req1", first[0].RequestID)

	second := d.DrainQueue("s1")
	assert.Empty(t, second, "a second drain before anything re-enqueues must be empty")
}
