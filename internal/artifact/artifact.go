// Package artifact builds and validates the versioned, hash-bound records the
// settlement kernel produces: agreements, evidence, decision records,
// receipts, delegation grants, listing bonds, session transcripts,
// agreement delegations, dispute envelopes and Merkle batch commitments.
//
// Every artifact follows the same life cycle. A Build function validates and
// normalizes its params, canonicalizes the record, hashes it with the hash
// field, the signature and any storage-only or mutable fields removed, and
// optionally signs that hash. The matching Validate function repeats the
// field checks, recomputes the hash and fails with an *IntegrityError when it
// differs from the stored one or when the schemaVersion is not exact.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// Integrity failures. They are never downgraded to warnings.
var (
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrSchemaVersion    = errors.New("schema version mismatch")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureMissing = errors.New("signature missing")
)

// IntegrityError reports tampering or a wrong key on a specific artifact.
type IntegrityError struct {
	Artifact string
	Reason   string
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Artifact, e.Err, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Signature is the detached signature carried by a signed artifact. It is
// computed over the artifact's hash and is never part of that hash.
type Signature struct {
	SignerKeyID     string `json:"signerKeyId" validate:"required,artifactid"`
	SignedAt        string `json:"signedAt" validate:"required,isodate"`
	SignatureBase64 string `json:"signatureBase64" validate:"required,base64"`
}

// now is swapped in tests that need deterministic default timestamps.
var now = func() time.Time { return time.Now() }

// stamp normalizes an optional timestamp, defaulting to the current time.
func stamp(field, s string) (string, error) {
	if s == "" {
		return validate.FormatTime(now()), nil
	}
	return validate.NormalizeISODate(field, s)
}

// optionalStamp normalizes a nullable timestamp.
func optionalStamp(field string, s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	out, err := validate.NormalizeISODate(field, *s)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func mustTime(s string) time.Time {
	t, _ := validate.ParseISODate(s)
	return t
}

// hashExcluding hashes the canonical form of v with the named top-level
// keys removed. Keys are dropped before canonicalization, so an excluded
// field never makes the hash fail.
func hashExcluding(v any, excluded ...string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("artifact: encode: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return "", fmt.Errorf("artifact: expected object: %w", err)
	}
	for _, k := range excluded {
		delete(fields, k)
	}
	m := make(map[string]any, len(fields))
	for k, raw := range fields {
		m[k] = raw
	}
	return canonical.HashHex(m)
}

// sign produces a Signature over hash when signer is non-nil.
func sign(signer signature.Signer, hash, signedAt string) (*Signature, error) {
	if signer == nil {
		return nil, nil
	}
	at, err := stamp("signedAt", signedAt)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignHash(hash)
	if err != nil {
		return nil, fmt.Errorf("sign artifact: %w", err)
	}
	return &Signature{SignerKeyID: signer.KeyID(), SignedAt: at, SignatureBase64: sig}, nil
}

func checkSchema(artifactType, got, want string) error {
	if got != want {
		return &IntegrityError{Artifact: artifactType, Err: ErrSchemaVersion,
			Reason: fmt.Sprintf("got %q, want %q", got, want)}
	}
	return nil
}

func checkHash(artifactType, stored, computed string) error {
	if stored != computed {
		return &IntegrityError{Artifact: artifactType, Err: ErrHashMismatch,
			Reason: fmt.Sprintf("stored %s, computed %s", stored, computed)}
	}
	return nil
}

func checkSignatureShape(sig *Signature) error {
	if sig == nil {
		return nil
	}
	if err := validate.Struct(sig); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	return nil
}

// verifySignature checks sig over hash. An unknown key id is an integrity
// failure in its own right, never treated as unsigned.
func verifySignature(ctx context.Context, artifactType string, sig *Signature, hash string, resolver signature.KeyResolver) error {
	if sig == nil {
		return &IntegrityError{Artifact: artifactType, Err: ErrSignatureMissing, Reason: "artifact is unsigned"}
	}
	err := signature.Verify(ctx, resolver, sig.SignerKeyID, hash, sig.SignatureBase64)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, signature.ErrUnknownKey):
		return &IntegrityError{Artifact: artifactType, Err: signature.ErrUnknownKey, Reason: sig.SignerKeyID}
	default:
		return &IntegrityError{Artifact: artifactType, Err: ErrSignatureInvalid, Reason: err.Error()}
	}
}

func strPtr(s string) *string { return &s }

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
