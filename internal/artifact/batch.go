package artifact

import (
	"context"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/merkle"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const BatchCommitmentV1 = "BatchCommitment.v1"

// BatchCommitment commits an ordered set of artifact hashes under a Merkle
// root so any one of them can be proven included later.
type BatchCommitment struct {
	SchemaVersion  string     `json:"schemaVersion"`
	BatchID        string     `json:"batchId" validate:"required,artifactid"`
	TenantID       string     `json:"tenantId" validate:"required,artifactid"`
	ArtifactHashes []string   `json:"artifactHashes" validate:"required,min=1,dive,sha256hex"`
	LeafCount      int        `json:"leafCount" validate:"gte=1"`
	MerkleRoot     string     `json:"merkleRoot" validate:"required,sha256hex"`
	CreatedAt      string     `json:"createdAt" validate:"required,isodate"`
	BatchHash      string     `json:"batchHash" validate:"required,sha256hex"`
	Signature      *Signature `json:"signature,omitempty"`
}

// BatchCommitmentParams are the inputs to BuildBatchCommitment.
type BatchCommitmentParams struct {
	BatchID        string
	TenantID       string
	ArtifactHashes []string
	CreatedAt      string
	Signer         signature.Signer
	SignedAt       string
}

// BatchCommitmentHash recomputes the batch hash.
func BatchCommitmentHash(b *BatchCommitment) (string, error) {
	return hashExcluding(b, "batchHash", "signature")
}

// BuildBatchCommitment builds the Merkle tree over p.ArtifactHashes in the
// given order and returns the hashed commitment.
func BuildBatchCommitment(p BatchCommitmentParams) (*BatchCommitment, error) {
	if len(p.ArtifactHashes) == 0 {
		return nil, validate.Fieldf("artifactHashes", "at least one hash is required")
	}
	id := p.BatchID
	if id == "" {
		id = "batch_" + uuid.NewString()
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	hashes := append([]string(nil), p.ArtifactHashes...)
	tree, err := merkle.Build(hashes)
	if err != nil {
		return nil, err
	}
	b := &BatchCommitment{
		SchemaVersion:  BatchCommitmentV1,
		BatchID:        id,
		TenantID:       p.TenantID,
		ArtifactHashes: hashes,
		LeafCount:      len(hashes),
		MerkleRoot:     tree.Root(),
		CreatedAt:      createdAt,
	}
	if b.BatchHash, err = BatchCommitmentHash(b); err != nil {
		return nil, validate.Fieldf("batch", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(b); err != nil {
		return nil, err
	}
	if b.Signature, err = sign(p.Signer, b.BatchHash, p.SignedAt); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateBatchCommitment checks fields, the Merkle root, schema version and
// hash.
func ValidateBatchCommitment(b *BatchCommitment) error {
	if err := checkSchema(BatchCommitmentV1, b.SchemaVersion, BatchCommitmentV1); err != nil {
		return err
	}
	if err := validate.Struct(b); err != nil {
		return err
	}
	if b.LeafCount != len(b.ArtifactHashes) {
		return validate.Fieldf("leafCount", "must equal the number of artifact hashes")
	}
	tree, err := merkle.Build(b.ArtifactHashes)
	if err != nil {
		return err
	}
	if tree.Root() != b.MerkleRoot {
		return &IntegrityError{Artifact: BatchCommitmentV1, Err: ErrHashMismatch, Reason: "merkleRoot does not match artifact hashes"}
	}
	h, err := BatchCommitmentHash(b)
	if err != nil {
		return validate.Fieldf("batch", "not canonicalizable: %v", err)
	}
	return checkHash(BatchCommitmentV1, b.BatchHash, h)
}

// VerifyBatchCommitmentSignature validates b and checks its signature.
func VerifyBatchCommitmentSignature(ctx context.Context, b *BatchCommitment, resolver signature.KeyResolver) error {
	if err := ValidateBatchCommitment(b); err != nil {
		return err
	}
	return verifySignature(ctx, BatchCommitmentV1, b.Signature, b.BatchHash, resolver)
}

// BatchInclusionProof returns the proof for the artifact hash at index.
func BatchInclusionProof(b *BatchCommitment, index int) (*merkle.Proof, error) {
	tree, err := merkle.Build(b.ArtifactHashes)
	if err != nil {
		return nil, err
	}
	return tree.Proof(index)
}

// VerifyBatchInclusion reports whether artifactHash is committed at
// p.LeafIndex under root.
func VerifyBatchInclusion(artifactHash string, p *merkle.Proof, root string) bool {
	if p == nil {
		return false
	}
	return merkle.VerifyProof(artifactHash, p.LeafIndex, p.LeafCount, p.Siblings, root)
}
