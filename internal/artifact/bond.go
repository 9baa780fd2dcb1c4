package artifact

import (
	"context"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const ListingBondV1 = "ListingBond.v1"

// Listing bond statuses.
const (
	BondLocked    = "locked"
	BondReleased  = "released"
	BondForfeited = "forfeited"
)

// ListingBond is the stake an agent locks in escrow to list a tool. Status
// and releasedAt change after creation and are excluded from the hash.
type ListingBond struct {
	SchemaVersion   string     `json:"schemaVersion"`
	BondID          string     `json:"bondId" validate:"required,artifactid"`
	TenantID        string     `json:"tenantId" validate:"required,artifactid"`
	AgentID         string     `json:"agentId" validate:"required,artifactid"`
	ListingID       string     `json:"listingId" validate:"required,artifactid"`
	AmountCents     int64      `json:"amountCents" validate:"gt=0"`
	Currency        string     `json:"currency" validate:"required,currency"`
	HoldOperationID string     `json:"holdOperationId" validate:"required,artifactid"`
	CreatedAt       string     `json:"createdAt" validate:"required,isodate"`
	Status          string     `json:"status" validate:"required,oneof=locked released forfeited"`
	ReleasedAt      *string    `json:"releasedAt" validate:"omitempty,isodate"`
	BondHash        string     `json:"bondHash" validate:"required,sha256hex"`
	Signature       *Signature `json:"signature,omitempty"`
}

// ListingBondParams are the inputs to BuildListingBond.
type ListingBondParams struct {
	BondID          string
	TenantID        string
	AgentID         string
	ListingID       string
	AmountCents     int64
	Currency        string
	HoldOperationID string
	CreatedAt       string
	Signer          signature.Signer
	SignedAt        string
}

// ListingBondHash recomputes the bond hash.
func ListingBondHash(b *ListingBond) (string, error) {
	return hashExcluding(b, "bondHash", "signature", "status", "releasedAt")
}

// BuildListingBond validates p and returns a locked bond.
func BuildListingBond(p ListingBondParams) (*ListingBond, error) {
	id := p.BondID
	if id == "" {
		id = "bond_" + uuid.NewString()
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	b := &ListingBond{
		SchemaVersion:   ListingBondV1,
		BondID:          id,
		TenantID:        p.TenantID,
		AgentID:         p.AgentID,
		ListingID:       p.ListingID,
		AmountCents:     p.AmountCents,
		Currency:        p.Currency,
		HoldOperationID: p.HoldOperationID,
		CreatedAt:       createdAt,
		Status:          BondLocked,
	}
	if b.BondHash, err = ListingBondHash(b); err != nil {
		return nil, validate.Fieldf("bond", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(b); err != nil {
		return nil, err
	}
	if b.Signature, err = sign(p.Signer, b.BondHash, p.SignedAt); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateListingBond checks fields, schema version and hash.
func ValidateListingBond(b *ListingBond) error {
	if err := checkSchema(ListingBondV1, b.SchemaVersion, ListingBondV1); err != nil {
		return err
	}
	if err := validate.Struct(b); err != nil {
		return err
	}
	if (b.Status == BondLocked) != (b.ReleasedAt == nil) {
		return validate.Fieldf("releasedAt", "must be set exactly when the bond is no longer locked")
	}
	h, err := ListingBondHash(b)
	if err != nil {
		return validate.Fieldf("bond", "not canonicalizable: %v", err)
	}
	return checkHash(ListingBondV1, b.BondHash, h)
}

// VerifyListingBondSignature validates b and checks its signature.
func VerifyListingBondSignature(ctx context.Context, b *ListingBond, resolver signature.KeyResolver) error {
	if err := ValidateListingBond(b); err != nil {
		return err
	}
	return verifySignature(ctx, ListingBondV1, b.Signature, b.BondHash, resolver)
}

// CloseBond moves a locked bond to released or forfeited. The bond hash and
// signature stay valid because neither field is committed.
func CloseBond(b *ListingBond, status, at string) (*ListingBond, error) {
	if status != BondReleased && status != BondForfeited {
		return nil, validate.Fieldf("status", "must be released or forfeited")
	}
	if b.Status != BondLocked {
		return nil, bizerr.New(bizerr.BondAlreadyReleased, "bond %s is already %s", b.BondID, b.Status)
	}
	closedAt, err := stamp("releasedAt", at)
	if err != nil {
		return nil, err
	}
	out := *b
	out.Status = status
	out.ReleasedAt = &closedAt
	return &out, nil
}
