package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

// Role is the acting party in demos that distinguish them.
type Role string

const (
	RoleClient     Role = "client"
	RoleWorker     Role = "worker"
	RoleArbitrator Role = "arbitrator"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleClient, RoleWorker, RoleArbitrator:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Input carries the entity selectors an action may need.
type Input struct {
	MilestoneID string `json:"milestoneId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// Call is what an action handler receives.
type Call struct {
	SessionID  string
	DemoID     string
	StepID     string
	ActionID   string
	Role       Role
	WalletAddr string
	Wallet     wallet.Provider
	ContractID string
	Input      Input
}

// Result is what a successful handler returns. Its effects are applied when
// the step's transaction succeeds.
type Result struct {
	// TxHash is set when the action produced a real signed transaction.
	TxHash string
	// ContractID, when set, becomes the session's contract on success.
	ContractID string
	// Notice replaces the default "transaction submitted" notification.
	Notice *notify.Notification
	// Apply commits the action's changes to demo state. It runs under the
	// session lock once the transaction is recorded, and is dropped when the
	// session was reset while the handler ran.
	Apply func()
}

// Handler performs an action. Errors become a failed transaction on the
// step, which stays retryable.
type Handler func(ctx context.Context, call Call) (*Result, error)

// ActionDef is one invokable action of a step.
type ActionDef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Roles allowed to invoke the action. Empty means every role.
	Roles   []Role  `json:"roles,omitempty"`
	Handler Handler `json:"-"`
}

// Allows reports whether role may invoke the action.
func (a ActionDef) Allows(role Role) bool {
	if len(a.Roles) == 0 {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StepDef is one step of a demo.
type StepDef struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Order            int         `json:"order"`
	RequiresContract bool        `json:"requiresContract"`
	Actions          []ActionDef `json:"actions"`
	// Done decides whether a successful transaction moves the pointer past
	// this step. Nil means always.
	Done func() bool `json:"-"`
}

func (s StepDef) action(id string) (ActionDef, bool) {
	if id == "" && len(s.Actions) == 1 {
		return s.Actions[0], true
	}
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionDef{}, false
}

// Progress is the run state terminal predicates see.
type Progress struct {
	Current    int
	Total      int
	ContractID string
}

// ScorePolicy computes the completion score.
type ScorePolicy struct {
	Base            int           `json:"base" yaml:"base"`
	FixedBonus      int           `json:"fixedBonus" yaml:"fixedBonus"`
	TimeBonusMax    int           `json:"timeBonusMax" yaml:"timeBonusMax"`
	TimeBonusWindow time.Duration `json:"timeBonusWindow" yaml:"timeBonusWindow"`
	Max             int           `json:"max" yaml:"max"`
}

// DefaultScorePolicy is 70 base, 10 fixed, up to 20 for finishing quickly.
var DefaultScorePolicy = ScorePolicy{
	Base:            70,
	FixedBonus:      10,
	TimeBonusMax:    20,
	TimeBonusWindow: 5 * time.Minute,
	Max:             100,
}

// Score returns the score for a run that took elapsed. The time bonus decays
// linearly to zero over the window.
func (p ScorePolicy) Score(elapsed time.Duration) int {
	score := p.Base + p.FixedBonus
	if p.TimeBonusWindow > 0 && elapsed < p.TimeBonusWindow {
		if elapsed < 0 {
			elapsed = 0
		}
		remaining := float64(p.TimeBonusWindow-elapsed) / float64(p.TimeBonusWindow)
		score += int(float64(p.TimeBonusMax) * remaining)
	}
	if p.Max > 0 && score > p.Max {
		score = p.Max
	}
	return score
}

// Definition is a demo: its ordered steps, the terminal predicate and the
// hooks into per-run variant state. A Definition is built fresh for every
// session, so closures may capture per-run state.
type Definition struct {
	ID          string
	Title       string
	Description string
	Steps       []StepDef
	// Terminal decides whether the run is complete. Nil means every step
	// has advanced.
	Terminal    func(p Progress) bool
	Score       ScorePolicy
	AutoResolve time.Duration
	// State returns a JSON-friendly view of variant state, if any.
	State func() interface{}
	// Reset clears variant state.
	Reset func()
}

// Validate checks structural consistency.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		st := &d.Steps[i]
		if st.ID == "" || seen[st.ID] {
			return fmt.Errorf("%w: %s step %d has empty or duplicate id", ErrInvalidDefinition, d.ID, i)
		}
		seen[st.ID] = true
		if len(st.Actions) == 0 {
			return fmt.Errorf("%w: %s step %s has no actions", ErrInvalidDefinition, d.ID, st.ID)
		}
		for _, a := range st.Actions {
			if a.ID == "" || a.Handler == nil {
				return fmt.Errorf("%w: %s step %s has an action without id or handler", ErrInvalidDefinition, d.ID, st.ID)
			}
		}
		st.Order = i
	}
	return nil
}
