package escrowrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trustlesswork/demoengine/internal/circuitbreaker"
)

func fundedContract(t *testing.T, m *MockClient, milestones ...MilestoneSpec) string {
	t.Helper()
	ctx := context.Background()
	res, err := m.InitializeEscrow(ctx, Payload{Title: "demo", Milestones: milestones})
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	if _, err := m.FundEscrow(ctx, Payload{ContractID: res.ContractID}); err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}
	return res.ContractID
}

func TestMock_HappyPath(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	id := fundedContract(t, m, MilestoneSpec{ID: "m1", Description: "design", Amount: 500})

	if _, err := m.ChangeMilestoneStatus(ctx, Payload{ContractID: id, MilestoneID: "m1", Status: MilestoneCompleted}); err != nil {
		t.Fatalf("ChangeMilestoneStatus failed: %v", err)
	}
	if _, err := m.ApproveMilestone(ctx, Payload{ContractID: id, MilestoneID: "m1"}); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	res, err := m.ReleaseFunds(ctx, Payload{ContractID: id})
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	if res.Escrow.Balance != 0 {
		t.Errorf("Expected empty balance after release, got %d", res.Escrow.Balance)
	}
	if res.Escrow.Milestones[0].Status != MilestoneReleased {
		t.Errorf("Expected released, got %s", res.Escrow.Milestones[0].Status)
	}

	want := []string{OpInitializeEscrow, OpFundEscrow, OpChangeMilestoneStatus, OpApproveMilestone, OpReleaseFunds}
	calls := m.Calls()
	if len(calls) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestMock_DefaultMilestone(t *testing.T) {
	m := NewMockClient()
	res, err := m.InitializeEscrow(context.Background(), Payload{Amount: 100})
	if err != nil {
		t.Fatalf("InitializeEscrow failed: %v", err)
	}
	if len(res.Escrow.Milestones) != 1 || res.Escrow.Amount != 100 {
		t.Errorf("Expected one 100-unit milestone, got %+v", res.Escrow)
	}
	if res.ContractID == "" {
		t.Error("Expected contract id")
	}
}

func TestMock_DisputeOutcomes(t *testing.T) {
	tests := []struct {
		outcome string
		want    string
	}{
		{OutcomeApprove, MilestoneApproved},
		{OutcomeReject, MilestoneCancelled},
		{OutcomeModify, MilestonePending},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			m := NewMockClient()
			ctx := context.Background()
			id := fundedContract(t, m, MilestoneSpec{ID: "m1", Amount: 10})

			_, _ = m.ChangeMilestoneStatus(ctx, Payload{ContractID: id, MilestoneID: "m1", Status: MilestoneCompleted})
			if _, err := m.StartDispute(ctx, Payload{ContractID: id, MilestoneID: "m1", Reason: "bad quality"}); err != nil {
				t.Fatalf("StartDispute failed: %v", err)
			}
			res, err := m.ResolveDispute(ctx, Payload{ContractID: id, MilestoneID: "m1", Outcome: tt.outcome})
			if err != nil {
				t.Fatalf("ResolveDispute failed: %v", err)
			}
			if got := res.Escrow.Milestones[0].Status; got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMock_StatusRules(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	res, _ := m.InitializeEscrow(ctx, Payload{Milestones: []MilestoneSpec{{ID: "m1", Amount: 5}}})
	id := res.ContractID

	// Not funded yet
	_, err := m.ChangeMilestoneStatus(ctx, Payload{ContractID: id, MilestoneID: "m1", Status: MilestoneCompleted})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus before funding, got %v", err)
	}

	_, _ = m.FundEscrow(ctx, Payload{ContractID: id})
	if _, err := m.FundEscrow(ctx, Payload{ContractID: id}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on double fund, got %v", err)
	}

	// Approve before completion
	if _, err := m.ApproveMilestone(ctx, Payload{ContractID: id, MilestoneID: "m1"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}

	// Release with unapproved milestone
	if _, err := m.ReleaseFunds(ctx, Payload{ContractID: id}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}

	if _, err := m.ApproveMilestone(ctx, Payload{ContractID: id, MilestoneID: "nope"}); !errors.Is(err, ErrMilestoneNotFound) {
		t.Errorf("Expected ErrMilestoneNotFound, got %v", err)
	}
	if _, err := m.FundEscrow(ctx, Payload{ContractID: "missing"}); !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestMock_FailNext(t *testing.T) {
	m := NewMockClient()
	boom := errors.New("node unavailable")
	m.FailNext(OpInitializeEscrow, boom)

	_, err := m.InitializeEscrow(context.Background(), Payload{})
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if rpcErr.Op != OpInitializeEscrow || !errors.Is(err, boom) {
		t.Errorf("Unexpected error: %v", err)
	}

	if _, err := m.InitializeEscrow(context.Background(), Payload{}); err != nil {
		t.Errorf("Expected injected failure to be consumed, got %v", err)
	}
}

func TestHTTPClient_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"escrow": map[string]interface{}{"contractId": "CABC", "amount": 100, "funded": true},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret"})
	res, err := c.FundEscrow(context.Background(), Payload{ContractID: "CABC"})
	if err != nil {
		t.Fatalf("FundEscrow failed: %v", err)
	}

	if gotPath != "/escrow/fund" {
		t.Errorf("Expected /escrow/fund, got %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotPayload.ContractID != "CABC" {
		t.Errorf("Expected payload contractId, got %q", gotPayload.ContractID)
	}
	if res.ContractID != "CABC" || !res.Escrow.Funded {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestHTTPClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid_state","message":"milestone not completed"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	_, err := c.ApproveMilestone(context.Background(), Payload{ContractID: "C1", MilestoneID: "0"})

	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if rpcErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rpcErr.StatusCode)
	}
	if rpcErr.Err.Error() != "milestone not completed" {
		t.Errorf("Expected API message, got %q", rpcErr.Err.Error())
	}
}

func TestHTTPClient_CircuitOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}).WithBreaker(circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	_, _ = c.ReleaseFunds(ctx, Payload{ContractID: "C1"})
	_, _ = c.ReleaseFunds(ctx, Payload{ContractID: "C1"})
	_, err := c.ReleaseFunds(ctx, Payload{ContractID: "C1"})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("Expected 2 requests before the circuit opened, got %d", n)
	}

	// Other operations keep their own circuit.
	_, err = c.FundEscrow(ctx, Payload{ContractID: "C1"})
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected fundEscrow circuit to stay closed")
	}
}
