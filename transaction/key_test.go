package transaction

import (
	"testing"

	"github.com/sipstack/core/internal/types"
)

func TestServerKey_MatchesRetransmission(t *testing.T) {
	t.Parallel()

	req1 := newTestInvite(t, "z9hG4bK-match-1")
	req2 := req1.Clone()

	k1, err := ServerKey(req1)
	if err != nil {
		t.Fatalf("ServerKey(req1) error = %v", err)
	}
	k2, err := ServerKey(req2)
	if err != nil {
		t.Fatalf("ServerKey(req2) error = %v", err)
	}
	if k1 != k2 {
		t.Fatalf("ServerKey() = %q, %q, want equal", k1, k2)
	}
}

func TestServerKey_AckToNonSuccessMatchesInvite(t *testing.T) {
	t.Parallel()

	invite := newTestInvite(t, "z9hG4bK-ack-1")
	ack := invite.Clone()
	ack.Method = types.RequestMethodAck

	k1, err := ServerKey(invite)
	if err != nil {
		t.Fatalf("ServerKey(invite) error = %v", err)
	}
	k2, err := ServerKey(ack)
	if err != nil {
		t.Fatalf("ServerKey(ack) error = %v", err)
	}
	if k1 != k2 {
		t.Fatalf("ServerKey() invite=%q ack=%q, want equal", k1, k2)
	}
}

func TestServerKey_RejectsMissingBranch(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, "")
	via, _ := req.TopVia()
	via.Params.Del("branch")
	req.Headers.Set("Via", via.String())

	if _, err := ServerKey(req); err == nil {
		t.Fatalf("ServerKey() error = nil, want error for missing branch")
	}
}

func TestClientKey_MatchesResponseByBranchAndMethod(t *testing.T) {
	t.Parallel()

	req := newTestInvite(t, "z9hG4bK-cli-1")
	resp := responseTo(req, 200, "OK")

	outKey := OutgoingClientKey(req, "z9hG4bK-cli-1")
	respKey, err := ClientKey(resp)
	if err != nil {
		t.Fatalf("ClientKey() error = %v", err)
	}
	if outKey != respKey {
		t.Fatalf("OutgoingClientKey() = %q, ClientKey() = %q, want equal", outKey, respKey)
	}
}

func TestClientKey_DifferentMethodsDoNotCollide(t *testing.T) {
	t.Parallel()

	invite := newTestInvite(t, "z9hG4bK-shared")
	register := newTestRequest(t, types.RequestMethodRegister, "z9hG4bK-shared")

	k1 := OutgoingClientKey(invite, "z9hG4bK-shared")
	k2 := OutgoingClientKey(register, "z9hG4bK-shared")
	if k1 == k2 {
		t.Fatalf("OutgoingClientKey() collided across methods: %q", k1)
	}
}
