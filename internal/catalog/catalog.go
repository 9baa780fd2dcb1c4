// Package catalog holds the static policy packs and billing plans. A catalog
// is parsed once, is read-only afterwards and is passed to whoever needs it.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrUnknown is returned for a pack or plan id the catalog does not hold.
var ErrUnknown = errors.New("catalog entry not found")

// PolicyPack is a named settlement policy.
type PolicyPack struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Policy      settlement.Policy `json:"policy"`
	PolicyHash  string            `json:"policyHash"`
}

// BillingPlan prices verified runs and settlements for a tenant.
type BillingPlan struct {
	ID                   string `json:"id" yaml:"id" validate:"required,artifactid"`
	MonthlyFeeCents      int64  `json:"monthlyFeeCents" yaml:"monthlyFeeCents" validate:"gte=0"`
	IncludedVerifiedRuns int64  `json:"includedVerifiedRuns" yaml:"includedVerifiedRuns" validate:"gte=0"`
	OverageCentsPerRun   int64  `json:"overageCentsPerRun" yaml:"overageCentsPerRun" validate:"gte=0"`
	SettlementFeeBps     int64  `json:"settlementFeeBps" yaml:"settlementFeeBps" validate:"gte=0,lte=10000"`
	MaxRunAmountCents    int64  `json:"maxRunAmountCents" yaml:"maxRunAmountCents" validate:"gte=0"`
}

// SettlementFeeCents is the platform fee on a released amount, floored.
func (p BillingPlan) SettlementFeeCents(releasedCents int64) int64 {
	return releasedCents * p.SettlementFeeBps / 10000
}

// UsageCents is the amount billed for a month with the given number of
// verified runs.
func (p BillingPlan) UsageCents(verifiedRuns int64) int64 {
	over := verifiedRuns - p.IncludedVerifiedRuns
	if over < 0 {
		over = 0
	}
	return p.MonthlyFeeCents + over*p.OverageCentsPerRun
}

// Catalog is an immutable set of packs and plans.
type Catalog struct {
	version int
	packs   map[string]PolicyPack
	plans   map[string]BillingPlan
}

type rawPack struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Policy      map[string]any `yaml:"policy"`
}

type rawCatalog struct {
	Version      int           `yaml:"version"`
	PolicyPacks  []rawPack     `yaml:"policyPacks"`
	BillingPlans []BillingPlan `yaml:"billingPlans"`
}

// Load parses a YAML catalog. Policies go through settlement.ParsePolicy, so
// omitted rule fields take the default policy's values and unknown ones are
// rejected.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var raw rawCatalog
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c := &Catalog{
		version: raw.Version,
		packs:   make(map[string]PolicyPack, len(raw.PolicyPacks)),
		plans:   make(map[string]BillingPlan, len(raw.BillingPlans)),
	}
	for _, rp := range raw.PolicyPacks {
		if !validate.IsID(rp.ID) {
			return nil, validate.Fieldf("policyPacks.id", "invalid id %q", rp.ID)
		}
		if _, dup := c.packs[rp.ID]; dup {
			return nil, validate.Fieldf("policyPacks.id", "duplicate id %q", rp.ID)
		}
		b, err := json.Marshal(rp.Policy)
		if err != nil {
			return nil, fmt.Errorf("policy pack %s: %w", rp.ID, err)
		}
		p, err := settlement.ParsePolicy(b)
		if err != nil {
			return nil, fmt.Errorf("policy pack %s: %w", rp.ID, err)
		}
		h, err := settlement.PolicyHash(p)
		if err != nil {
			return nil, fmt.Errorf("policy pack %s: %w", rp.ID, err)
		}
		c.packs[rp.ID] = PolicyPack{ID: rp.ID, Description: rp.Description, Policy: p, PolicyHash: h}
	}
	for _, plan := range raw.BillingPlans {
		if err := validate.Struct(plan); err != nil {
			return nil, fmt.Errorf("billing plan %s: %w", plan.ID, err)
		}
		if _, dup := c.plans[plan.ID]; dup {
			return nil, validate.Fieldf("billingPlans.id", "duplicate id %q", plan.ID)
		}
		c.plans[plan.ID] = plan
	}
	return c, nil
}

// LoadFile loads a catalog from path, or the embedded default when path is
// empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return Load(f)
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog, parsed on first use.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(bytes.NewReader(defaultYAML))
	})
	return defaultCat, defaultErr
}

// Version is the catalog's declared version.
func (c *Catalog) Version() int { return c.version }

// PolicyPack returns the pack with id.
func (c *Catalog) PolicyPack(id string) (PolicyPack, error) {
	p, ok := c.packs[id]
	if !ok {
		return PolicyPack{}, fmt.Errorf("%w: policy pack %q", ErrUnknown, id)
	}
	return p, nil
}

// BillingPlan returns the plan with id.
func (c *Catalog) BillingPlan(id string) (BillingPlan, error) {
	p, ok := c.plans[id]
	if !ok {
		return BillingPlan{}, fmt.Errorf("%w: billing plan %q", ErrUnknown, id)
	}
	return p, nil
}

// PolicyPacks lists every pack ordered by id.
func (c *Catalog) PolicyPacks() []PolicyPack {
	out := make([]PolicyPack, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BillingPlans lists every plan ordered by id.
func (c *Catalog) BillingPlans() []BillingPlan {
	out := make([]BillingPlan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
