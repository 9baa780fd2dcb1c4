package auditchain

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/merkle"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// Checkpoint commits the hashes of entries [from, to) under a Merkle root.
// The genesis entry is never included.
func Checkpoint(ctx context.Context, log Log, tenantID string, from, to int, signer signature.Signer) (*artifact.BatchCommitment, error) {
	if from < 1 {
		from = 1
	}
	if to <= from {
		return nil, validate.Fieldf("to", "must be greater than %d", from)
	}
	entries, err := log.Range(ctx, from, to)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	b, err := artifact.BuildBatchCommitment(artifact.BatchCommitmentParams{
		BatchID:        fmt.Sprintf("audit_%d_%d", from, to),
		TenantID:       tenantID,
		ArtifactHashes: hashes,
		Signer:         signer,
	})
	if err != nil {
		return nil, fmt.Errorf("build audit checkpoint: %w", err)
	}
	return b, nil
}

// EntryProof returns the inclusion proof of the entry at index within a
// checkpoint that starts at from.
func EntryProof(b *artifact.BatchCommitment, from, index int) (*merkle.Proof, error) {
	if from < 1 {
		from = 1
	}
	return artifact.BatchInclusionProof(b, index-from)
}
