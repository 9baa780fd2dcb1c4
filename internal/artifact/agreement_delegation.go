package artifact

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const AgreementDelegationV1 = "AgreementDelegation.v1"

// Agreement delegation statuses. Only revoked links are inactive.
const (
	DelegationActive  = "active"
	DelegationSettled = "settled"
	DelegationRevoked = "revoked"
)

// AgreementDelegation links a parent agreement to a child agreement that was
// subcontracted out of it. Status, resolvedAt, revision and metadata evolve
// after creation and are not part of the committed hash.
type AgreementDelegation struct {
	SchemaVersion       string         `json:"schemaVersion"`
	DelegationID        string         `json:"delegationId" validate:"required,artifactid"`
	TenantID            string         `json:"tenantId" validate:"required,artifactid"`
	ParentAgreementHash string         `json:"parentAgreementHash" validate:"required,sha256hex"`
	ChildAgreementHash  string         `json:"childAgreementHash" validate:"required,sha256hex"`
	DelegatorAgentID    string         `json:"delegatorAgentId" validate:"required,artifactid"`
	DelegateeAgentID    string         `json:"delegateeAgentId" validate:"required,artifactid"`
	BudgetCapCents      int64          `json:"budgetCapCents" validate:"gt=0"`
	Currency            string         `json:"currency" validate:"required,currency"`
	DelegationDepth     int            `json:"delegationDepth" validate:"gte=1"`
	MaxDelegationDepth  int            `json:"maxDelegationDepth" validate:"gte=1,lte=16"`
	AncestorChain       []string       `json:"ancestorChain,omitempty" validate:"omitempty,dive,sha256hex"`
	CreatedAt           string         `json:"createdAt" validate:"required,isodate"`
	Status              string         `json:"status" validate:"required,oneof=active settled revoked"`
	ResolvedAt          *string        `json:"resolvedAt" validate:"omitempty,isodate"`
	Revision            int            `json:"revision" validate:"gte=0"`
	Metadata            map[string]any `json:"metadata"`
	DelegationHash      string         `json:"delegationHash" validate:"required,sha256hex"`
	Signature           *Signature     `json:"signature,omitempty"`
}

// AgreementDelegationParams are the inputs to BuildAgreementDelegation.
type AgreementDelegationParams struct {
	DelegationID        string
	TenantID            string
	ParentAgreementHash string
	ChildAgreementHash  string
	DelegatorAgentID    string
	DelegateeAgentID    string
	BudgetCapCents      int64
	Currency            string
	DelegationDepth     int
	MaxDelegationDepth  int
	AncestorChain       []string
	Metadata            map[string]any
	CreatedAt           string
	Signer              signature.Signer
	SignedAt            string
}

// AgreementDelegationHash recomputes the delegation hash over the immutable
// commitment.
func AgreementDelegationHash(d *AgreementDelegation) (string, error) {
	return hashExcluding(d, "delegationHash", "signature", "status", "resolvedAt", "revision", "metadata")
}

// BuildAgreementDelegation validates p and returns an active delegation.
func BuildAgreementDelegation(p AgreementDelegationParams) (*AgreementDelegation, error) {
	id := p.DelegationID
	if id == "" {
		id = "adel_" + uuid.NewString()
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	d := &AgreementDelegation{
		SchemaVersion:       AgreementDelegationV1,
		DelegationID:        id,
		TenantID:            p.TenantID,
		ParentAgreementHash: p.ParentAgreementHash,
		ChildAgreementHash:  p.ChildAgreementHash,
		DelegatorAgentID:    p.DelegatorAgentID,
		DelegateeAgentID:    p.DelegateeAgentID,
		BudgetCapCents:      p.BudgetCapCents,
		Currency:            p.Currency,
		DelegationDepth:     p.DelegationDepth,
		MaxDelegationDepth:  p.MaxDelegationDepth,
		AncestorChain:       p.AncestorChain,
		CreatedAt:           createdAt,
		Status:              DelegationActive,
		Metadata:            p.Metadata,
	}
	if err := checkDelegationRules(d); err != nil {
		return nil, err
	}
	if d.DelegationHash, err = AgreementDelegationHash(d); err != nil {
		return nil, validate.Fieldf("delegation", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(d); err != nil {
		return nil, err
	}
	if d.Signature, err = sign(p.Signer, d.DelegationHash, p.SignedAt); err != nil {
		return nil, err
	}
	return d, nil
}

func checkDelegationRules(d *AgreementDelegation) error {
	if d.ParentAgreementHash == d.ChildAgreementHash {
		return validate.Fieldf("childAgreementHash", "must differ from parentAgreementHash")
	}
	if d.DelegationDepth > d.MaxDelegationDepth {
		return validate.Fieldf("delegationDepth", "must not exceed maxDelegationDepth")
	}
	if d.AncestorChain != nil {
		if len(d.AncestorChain) == 0 || d.AncestorChain[len(d.AncestorChain)-1] != d.ParentAgreementHash {
			return validate.Fieldf("ancestorChain", "must end with parentAgreementHash")
		}
		for _, h := range d.AncestorChain {
			if h == d.ChildAgreementHash {
				return validate.Fieldf("ancestorChain", "must not contain childAgreementHash")
			}
		}
	}
	return nil
}

// ValidateAgreementDelegation checks fields, schema version and hash.
func ValidateAgreementDelegation(d *AgreementDelegation) error {
	if err := checkSchema(AgreementDelegationV1, d.SchemaVersion, AgreementDelegationV1); err != nil {
		return err
	}
	if err := validate.Struct(d); err != nil {
		return err
	}
	if err := checkDelegationRules(d); err != nil {
		return err
	}
	h, err := AgreementDelegationHash(d)
	if err != nil {
		return validate.Fieldf("delegation", "not canonicalizable: %v", err)
	}
	return checkHash(AgreementDelegationV1, d.DelegationHash, h)
}

// VerifyAgreementDelegationSignature validates d and checks its signature.
func VerifyAgreementDelegationSignature(ctx context.Context, d *AgreementDelegation, resolver signature.KeyResolver) error {
	if err := ValidateAgreementDelegation(d); err != nil {
		return err
	}
	return verifySignature(ctx, AgreementDelegationV1, d.Signature, d.DelegationHash, resolver)
}

// DelegationStep is one link of a settlement or refund plan.
type DelegationStep struct {
	DelegationID        string `json:"delegationId"`
	ParentAgreementHash string `json:"parentAgreementHash"`
	ChildAgreementHash  string `json:"childAgreementHash"`
	BudgetCapCents      int64  `json:"budgetCapCents"`
	Depth               int    `json:"depth"`
}

// CascadePlan lists the links from a child agreement up to its root, child
// first.
type CascadePlan struct {
	FromChildAgreementHash string           `json:"fromChildAgreementHash"`
	RootAgreementHash      string           `json:"rootAgreementHash"`
	Steps                  []DelegationStep `json:"steps"`
}

// UnwindPlan lists every descendant link of a parent agreement in
// breadth-first order. UnwindOrder is the reverse, leaves first, which is the
// order refunds should be applied in.
type UnwindPlan struct {
	FromParentAgreementHash string           `json:"fromParentAgreementHash"`
	Steps                   []DelegationStep `json:"steps"`
	UnwindOrder             []string         `json:"unwindOrder"`
}

func stepOf(d *AgreementDelegation) DelegationStep {
	return DelegationStep{
		DelegationID:        d.DelegationID,
		ParentAgreementHash: d.ParentAgreementHash,
		ChildAgreementHash:  d.ChildAgreementHash,
		BudgetCapCents:      d.BudgetCapCents,
		Depth:               d.DelegationDepth,
	}
}

// activeByChild indexes non-revoked links by child hash and rejects any child
// with more than one active parent.
func activeByChild(ds []*AgreementDelegation) (map[string]*AgreementDelegation, error) {
	out := make(map[string]*AgreementDelegation, len(ds))
	for _, d := range ds {
		if d.Status == DelegationRevoked {
			continue
		}
		if prev, ok := out[d.ChildAgreementHash]; ok {
			return nil, bizerr.New(bizerr.DelegationMultipleParents,
				"agreement %s has active parents via %s and %s", d.ChildAgreementHash, prev.DelegationID, d.DelegationID)
		}
		out[d.ChildAgreementHash] = d
	}
	return out, nil
}

// CascadeSettlementCheck walks from childAgreementHash up through single
// active parent links to the root. It never mutates ds.
func CascadeSettlementCheck(ds []*AgreementDelegation, childAgreementHash string) (*CascadePlan, error) {
	if err := validate.Hash("childAgreementHash", childAgreementHash); err != nil {
		return nil, err
	}
	byChild, err := activeByChild(ds)
	if err != nil {
		return nil, err
	}
	plan := &CascadePlan{FromChildAgreementHash: childAgreementHash, Steps: []DelegationStep{}}
	visited := map[string]bool{childAgreementHash: true}
	cur := childAgreementHash
	for {
		link, ok := byChild[cur]
		if !ok {
			break
		}
		if visited[link.ParentAgreementHash] {
			return nil, bizerr.New(bizerr.DelegationCycleDetected,
				"cycle through agreement %s at delegation %s", link.ParentAgreementHash, link.DelegationID)
		}
		visited[link.ParentAgreementHash] = true
		plan.Steps = append(plan.Steps, stepOf(link))
		cur = link.ParentAgreementHash
	}
	plan.RootAgreementHash = cur
	return plan, nil
}

// RefundUnwindCheck walks breadth-first from parentAgreementHash through all
// active descendants. Siblings are visited in (childAgreementHash,
// delegationId) order so the plan is deterministic. It never mutates ds.
func RefundUnwindCheck(ds []*AgreementDelegation, parentAgreementHash string) (*UnwindPlan, error) {
	if err := validate.Hash("parentAgreementHash", parentAgreementHash); err != nil {
		return nil, err
	}
	if _, err := activeByChild(ds); err != nil {
		return nil, err
	}
	byParent := make(map[string][]*AgreementDelegation)
	for _, d := range ds {
		if d.Status == DelegationRevoked {
			continue
		}
		byParent[d.ParentAgreementHash] = append(byParent[d.ParentAgreementHash], d)
	}
	for _, children := range byParent {
		sort.Slice(children, func(i, j int) bool {
			if children[i].ChildAgreementHash != children[j].ChildAgreementHash {
				return children[i].ChildAgreementHash < children[j].ChildAgreementHash
			}
			return children[i].DelegationID < children[j].DelegationID
		})
	}

	plan := &UnwindPlan{FromParentAgreementHash: parentAgreementHash, Steps: []DelegationStep{}, UnwindOrder: []string{}}
	visited := map[string]bool{parentAgreementHash: true}
	queue := []string{parentAgreementHash}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, link := range byParent[cur] {
			if visited[link.ChildAgreementHash] {
				return nil, bizerr.New(bizerr.DelegationCycleDetected,
					"cycle through agreement %s at delegation %s", link.ChildAgreementHash, link.DelegationID)
			}
			visited[link.ChildAgreementHash] = true
			plan.Steps = append(plan.Steps, stepOf(link))
			queue = append(queue, link.ChildAgreementHash)
		}
	}
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		plan.UnwindOrder = append(plan.UnwindOrder, plan.Steps[i].DelegationID)
	}
	return plan, nil
}
