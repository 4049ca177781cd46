// Package demos defines the escrow demos a session can run and the catalog
// that builds them.
package demos

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"gopkg.in/yaml.v3"
)

const (
	MilestoneDemoID   = "hello-milestone"
	DisputeDemoID     = "dispute-resolution"
	MarketplaceDemoID = "micro-task-marketplace"
)

var (
	ErrUnknownDemo     = errors.New("demos: unknown demo")
	ErrInvalidFallback = errors.New("demos: signing fallback must be simulate or fail")
	ErrNothingToDo     = errors.New("demos: no entity is eligible for this action")
	ErrNotReleasable   = errors.New("demos: funds cannot be released yet")
)

// SigningFallback decides what the milestone demo does when a real signature
// fails.
type SigningFallback string

const (
	// FallbackSimulate continues with a simulated transaction.
	FallbackSimulate SigningFallback = "simulate"
	// FallbackFail reports the error and leaves the step retryable.
	FallbackFail SigningFallback = "fail"
)

// ParseSigningFallback validates a policy name. Empty means simulate.
func ParseSigningFallback(s string) (SigningFallback, error) {
	switch f := SigningFallback(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FallbackSimulate, nil
	case FallbackSimulate, FallbackFail:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFallback, s)
	}
}

// MilestoneConfig seeds one escrow milestone.
type MilestoneConfig struct {
	Description string `yaml:"description" json:"description"`
	Amount      int64  `yaml:"amount" json:"amount"`
}

// Entry is the tunable part of a demo.
type Entry struct {
	ID          string             `yaml:"id" json:"id"`
	Title       string             `yaml:"title" json:"title"`
	Description string             `yaml:"description" json:"description"`
	AutoResolve time.Duration      `yaml:"autoResolve" json:"autoResolve"`
	Score       engine.ScorePolicy `yaml:"score" json:"score"`
	Milestones  []MilestoneConfig  `yaml:"milestones" json:"milestones,omitempty"`
	// TasksToComplete is the marketplace goal.
	TasksToComplete int `yaml:"tasksToComplete" json:"tasksToComplete,omitempty"`
	Disabled        bool `yaml:"disabled" json:"-"`
}

// Config wires demos to their collaborators.
type Config struct {
	Escrow      escrowrpc.Client
	Fallback    SigningFallback
	Network     string
	AutoResolve time.Duration
	Logger      *slog.Logger
}

// Catalog builds demo definitions.
type Catalog struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// NewCatalog creates a catalog with the built-in demos.
func NewCatalog(cfg Config) *Catalog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackSimulate
	}
	c := &Catalog{cfg: cfg, entries: make(map[string]Entry)}
	for _, e := range defaultEntries() {
		if e.AutoResolve == 0 {
			e.AutoResolve = cfg.AutoResolve
		}
		c.entries[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	return c
}

func defaultEntries() []Entry {
	return []Entry{
		{
			ID:          MilestoneDemoID,
			Title:       "Hello Milestone",
			Description: "Create, fund, complete, approve and release a single-milestone escrow.",
			Score:       engine.DefaultScorePolicy,
			Milestones:  []MilestoneConfig{{Description: "Landing page design", Amount: 1000}},
		},
		{
			ID:          DisputeDemoID,
			Title:       "Dispute Resolution",
			Description: "Switch between client, worker and arbitrator to raise and resolve a dispute.",
			Score:       engine.DefaultScorePolicy,
			Milestones: []MilestoneConfig{
				{Description: "Smart contract audit", Amount: 1500},
				{Description: "Audit report", Amount: 500},
			},
		},
		{
			ID:              MarketplaceDemoID,
			Title:           "Micro-Task Marketplace",
			Description:     "Post tasks as a client, then accept and deliver them as a worker.",
			Score:           engine.DefaultScorePolicy,
			TasksToComplete: 3,
		},
	}
}

type catalogFile struct {
	SigningFallback string  `yaml:"signingFallback"`
	Demos           []Entry `yaml:"demos"`
}

// LoadFile applies overrides from a YAML file. Zero fields keep their
// defaults; unknown ids add nothing.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	return c.Load(data)
}

// Load applies YAML overrides.
func (c *Catalog) Load(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.SigningFallback != "" {
		fb, err := ParseSigningFallback(f.SigningFallback)
		if err != nil {
			return err
		}
		c.cfg.Fallback = fb
	}
	for _, o := range f.Demos {
		base, ok := c.entries[o.ID]
		if !ok {
			c.cfg.Logger.Warn("catalog override for unknown demo ignored", "demo", o.ID)
			continue
		}
		c.entries[o.ID] = merge(base, o)
	}
	return nil
}

func merge(base, o Entry) Entry {
	if o.Title != "" {
		base.Title = o.Title
	}
	if o.Description != "" {
		base.Description = o.Description
	}
	if o.AutoResolve != 0 {
		base.AutoResolve = o.AutoResolve
	}
	if len(o.Milestones) > 0 {
		base.Milestones = o.Milestones
	}
	if o.TasksToComplete > 0 {
		base.TasksToComplete = o.TasksToComplete
	}
	if o.Score.Base != 0 {
		base.Score.Base = o.Score.Base
	}
	if o.Score.FixedBonus != 0 {
		base.Score.FixedBonus = o.Score.FixedBonus
	}
	if o.Score.TimeBonusMax != 0 {
		base.Score.TimeBonusMax = o.Score.TimeBonusMax
	}
	if o.Score.TimeBonusWindow != 0 {
		base.Score.TimeBonusWindow = o.Score.TimeBonusWindow
	}
	if o.Score.Max != 0 {
		base.Score.Max = o.Score.Max
	}
	base.Disabled = o.Disabled
	return base
}

// List returns the enabled demos in display order.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		if e := c.entries[id]; !e.Disabled {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns one enabled demo.
func (c *Catalog) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.Disabled {
		return Entry{}, false
	}
	return e, true
}

// Fallback returns the active signing fallback policy.
func (c *Catalog) Fallback() SigningFallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Fallback
}

// Build returns a fresh definition, with fresh variant state, for one
// session.
func (c *Catalog) Build(id string) (engine.Definition, error) {
	e, ok := c.Entry(id)
	if !ok {
		return engine.Definition{}, fmt.Errorf("%w: %s", ErrUnknownDemo, id)
	}
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	var def engine.Definition
	switch id {
	case MilestoneDemoID:
		def = newMilestoneDemo(e, cfg)
	case DisputeDemoID:
		def = newDisputeDemo(e, cfg)
	case MarketplaceDemoID:
		def = newMarketplaceDemo(e, cfg)
	default:
		return engine.Definition{}, fmt.Errorf("%w: %s", ErrUnknownDemo, id)
	}
	def.ID = e.ID
	def.Title = e.Title
	def.Description = e.Description
	def.Score = e.Score
	def.AutoResolve = e.AutoResolve
	if err := def.Validate(); err != nil {
		return engine.Definition{}, err
	}
	return def, nil
}

func milestoneSpecs(cfgs []MilestoneConfig) []escrowrpc.MilestoneSpec {
	out := make([]escrowrpc.MilestoneSpec, len(cfgs))
	for i, m := range cfgs {
		out[i] = escrowrpc.MilestoneSpec{Description: m.Description, Amount: m.Amount}
	}
	return out
}

func totalAmount(cfgs []MilestoneConfig) int64 {
	var sum int64
	for _, m := range cfgs {
		sum += m.Amount
	}
	return sum
}
