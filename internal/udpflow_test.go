package internal

import (
	"testing"
	"time"
)

func TestUDPFlowTable_PutGetRemove(t *testing.T) {
	table := newUDPFlowTable()
	key := FlowKey{SrcIP: [4]byte{10, 0, 0, 2}, SrcPort: 1111, DstIP: [4]byte{8, 8, 8, 8}, DstPort: 53}
	f := newUDPFlow(key, nil, DecisionAllow)
	table.put(f)

	got, ok := table.get(key)
	if !ok || got != f {
		t.Fatalf("expected to find the inserted flow")
	}

	table.remove(key)
	if _, ok := table.get(key); ok {
		t.Fatalf("expected flow to be removed")
	}
}

func TestUDPFlowTable_SweepIdleEvictsOnlyStale(t *testing.T) {
	table := newUDPFlowTable()
	fresh := newUDPFlow(FlowKey{SrcPort: 1}, nil, DecisionAllow)
	stale := newUDPFlow(FlowKey{SrcPort: 2}, nil, DecisionAllow)
	stale.lastActive = time.Now().Add(-udpFlowIdleTimeout - time.Second)

	table.put(fresh)
	table.put(stale)

	evicted := table.sweepIdle()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if table.size() != 1 {
		t.Fatalf("expected 1 remaining flow, got %d", table.size())
	}
	if _, ok := table.get(fresh.key); !ok {
		t.Fatalf("expected fresh flow to survive sweep")
	}
}

func TestUDPFlow_CloseIsIdempotent(t *testing.T) {
	f := newUDPFlow(FlowKey{}, nil, DecisionAllow)
	f.close()
	f.close() // must not panic or double-close a nil conn
	select {
	case <-f.closed:
	default:
		t.Fatalf("expected closed channel to be closed")
	}
}

func TestParseIPv4Literal(t *testing.T) {
	if _, ok := parseIPv4Literal("not-an-ip"); ok {
		t.Fatalf("expected rejection of non-IP string")
	}
	if _, ok := parseIPv4Literal("::1"); ok {
		t.Fatalf("expected rejection of IPv6 literal")
	}
	ip, ok := parseIPv4Literal("93.184.216.34")
	if !ok || ip != ([4]byte{93, 184, 216, 34}) {
		t.Fatalf("got %v, %v", ip, ok)
	}
}
