package demos

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

// escrowView mirrors the latest escrow returned by the RPC client.
type escrowView struct {
	mu     sync.Mutex
	escrow *escrowrpc.Escrow
}

func (v *escrowView) set(res *escrowrpc.Result) {
	if res == nil {
		return
	}
	v.mu.Lock()
	e := res.Escrow
	v.escrow = &e
	v.mu.Unlock()
}

func (v *escrowView) snapshot() interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.escrow == nil {
		return nil
	}
	return map[string]interface{}{"escrow": *v.escrow}
}

func (v *escrowView) reset() {
	v.mu.Lock()
	v.escrow = nil
	v.mu.Unlock()
}

// newMilestoneDemo is the linear hello-milestone flow. Its initialize step
// tries a real signature first and applies the fallback policy on failure.
func newMilestoneDemo(e Entry, cfg Config) engine.Definition {
	view := &escrowView{}
	rpc := cfg.Escrow
	milestoneID := "0"

	initialize := func(ctx context.Context, call engine.Call) (*engine.Result, error) {
		res, err := rpc.InitializeEscrow(ctx, escrowrpc.Payload{
			Title:      e.Title,
			Signer:     call.WalletAddr,
			Client:     call.WalletAddr,
			Worker:     call.WalletAddr,
			Milestones: milestoneSpecs(e.Milestones),
			Metadata:   map[string]string{"demo": e.ID, "session": call.SessionID},
		})
		if err != nil {
			return nil, err
		}
		signed, err := call.Wallet.SignTransaction(ctx, []byte(res.ContractID), wallet.SignOptions{
			Network: cfg.Network,
			Value:   totalAmount(e.Milestones),
		})
		if err == nil {
			return &engine.Result{TxHash: signed.Hash, ContractID: res.ContractID, Apply: func() { view.set(res) }}, nil
		}

		if cfg.Fallback == FallbackFail {
			return nil, fmt.Errorf("sign escrow deployment: %w", err)
		}
		cfg.Logger.Info("signing failed, continuing with simulated transaction",
			"session_id", call.SessionID, "reason", signingFailure(err), "error", err)
		return &engine.Result{
			ContractID: res.ContractID,
			Notice: &notify.Notification{
				Type:    notify.TypeSuccess,
				Title:   "Demo escrow created",
				Message: signingFailure(err) + " Continuing with a simulated transaction.",
			},
			Apply: func() { view.set(res) },
		}, nil
	}

	call := func(op func(context.Context, escrowrpc.Payload) (*escrowrpc.Result, error), p func(engine.Call) escrowrpc.Payload) engine.Handler {
		return func(ctx context.Context, c engine.Call) (*engine.Result, error) {
			res, err := op(ctx, p(c))
			if err != nil {
				return nil, err
			}
			return &engine.Result{Apply: func() { view.set(res) }}, nil
		}
	}

	return engine.Definition{
		Steps: []engine.StepDef{
			{
				ID: "initialize", Title: "Initialize escrow",
				Actions: []engine.ActionDef{{ID: "initialize", Title: "Deploy escrow", Handler: initialize}},
			},
			{
				ID: "fund", Title: "Fund escrow", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "fund", Title: "Fund escrow",
					Handler: call(rpc.FundEscrow, func(c engine.Call) escrowrpc.Payload {
						return escrowrpc.Payload{ContractID: c.ContractID, Signer: c.WalletAddr}
					})}},
			},
			{
				ID: "complete", Title: "Complete milestone", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "complete", Title: "Mark milestone complete",
					Handler: call(rpc.ChangeMilestoneStatus, func(c engine.Call) escrowrpc.Payload {
						return escrowrpc.Payload{ContractID: c.ContractID, MilestoneID: milestoneID,
							Status: escrowrpc.MilestoneCompleted, Signer: c.WalletAddr}
					})}},
			},
			{
				ID: "approve", Title: "Approve milestone", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "approve", Title: "Approve milestone",
					Handler: call(rpc.ApproveMilestone, func(c engine.Call) escrowrpc.Payload {
						return escrowrpc.Payload{ContractID: c.ContractID, MilestoneID: milestoneID, Signer: c.WalletAddr}
					})}},
			},
			{
				ID: "release", Title: "Release funds", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "release", Title: "Release funds",
					Handler: call(rpc.ReleaseFunds, func(c engine.Call) escrowrpc.Payload {
						return escrowrpc.Payload{ContractID: c.ContractID, ReleaseMode: escrowrpc.ReleaseAll, Signer: c.WalletAddr}
					})}},
			},
		},
		State: view.snapshot,
		Reset: view.reset,
	}
}

// signingFailure describes a signing error for the user.
func signingFailure(err error) string {
	switch {
	case errors.Is(err, wallet.ErrUserDeclined):
		return "Signature request was declined."
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return "Insufficient balance for a real transaction."
	case errors.Is(err, wallet.ErrSignerUnavailable), errors.Is(err, wallet.ErrNotConnected):
		return "No wallet signer is available."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Signing timed out."
	default:
		return "Signing failed."
	}
}
