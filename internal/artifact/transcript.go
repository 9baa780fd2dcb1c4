package artifact

import (
	"context"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/merkle"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const SessionTranscriptV1 = "SessionTranscript.v1"

// TranscriptEvent is one committed entry of a session. Its payload is
// referenced by hash only.
type TranscriptEvent struct {
	EventID     string `json:"eventId" validate:"required,artifactid"`
	EventType   string `json:"eventType" validate:"required,artifactid"`
	AgentID     string `json:"agentId" validate:"required,artifactid"`
	At          string `json:"at" validate:"required,isodate"`
	PayloadHash string `json:"payloadHash" validate:"required,sha256hex"`
}

// SessionTranscript commits an ordered session log under a Merkle root so a
// single event can later be proven without revealing the rest.
type SessionTranscript struct {
	SchemaVersion  string            `json:"schemaVersion"`
	SessionID      string            `json:"sessionId" validate:"required,artifactid"`
	TenantID       string            `json:"tenantId" validate:"required,artifactid"`
	Participants   []string          `json:"participants" validate:"required,min=1,dive,artifactid"`
	Events         []TranscriptEvent `json:"events" validate:"required,min=1,dive"`
	EventCount     int               `json:"eventCount" validate:"gte=1"`
	MerkleRoot     string            `json:"merkleRoot" validate:"required,sha256hex"`
	StartedAt      string            `json:"startedAt" validate:"required,isodate"`
	EndedAt        string            `json:"endedAt" validate:"required,isodate"`
	CreatedAt      string            `json:"createdAt" validate:"required,isodate"`
	TranscriptHash string            `json:"transcriptHash" validate:"required,sha256hex"`
	Signature      *Signature        `json:"signature,omitempty"`
}

// SessionTranscriptParams are the inputs to BuildSessionTranscript.
type SessionTranscriptParams struct {
	SessionID    string
	TenantID     string
	Participants []string
	Events       []TranscriptEvent
	StartedAt    string
	EndedAt      string
	CreatedAt    string
	Signer       signature.Signer
	SignedAt     string
}

// TranscriptEventHash is the Merkle leaf value of an event.
func TranscriptEventHash(e TranscriptEvent) (string, error) {
	return canonical.HashHex(e)
}

func transcriptRoot(events []TranscriptEvent) (*merkle.Tree, error) {
	leaves := make([]string, len(events))
	for i, e := range events {
		h, err := TranscriptEventHash(e)
		if err != nil {
			return nil, validate.Fieldf("events", "event %d not canonicalizable: %v", i, err)
		}
		leaves[i] = h
	}
	return merkle.Build(leaves)
}

// SessionTranscriptHash recomputes the transcript hash.
func SessionTranscriptHash(t *SessionTranscript) (string, error) {
	return hashExcluding(t, "transcriptHash", "signature")
}

// BuildSessionTranscript validates p, commits its events under a Merkle root
// and returns the hashed transcript.
func BuildSessionTranscript(p SessionTranscriptParams) (*SessionTranscript, error) {
	if len(p.Events) == 0 {
		return nil, validate.Fieldf("events", "at least one event is required")
	}
	events := make([]TranscriptEvent, len(p.Events))
	for i, e := range p.Events {
		at, err := validate.NormalizeISODate("events.at", e.At)
		if err != nil {
			return nil, err
		}
		e.At = at
		events[i] = e
	}
	startedAt, err := validate.NormalizeISODate("startedAt", p.StartedAt)
	if err != nil {
		return nil, err
	}
	endedAt, err := validate.NormalizeISODate("endedAt", p.EndedAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	tree, err := transcriptRoot(events)
	if err != nil {
		return nil, err
	}
	t := &SessionTranscript{
		SchemaVersion: SessionTranscriptV1,
		SessionID:     p.SessionID,
		TenantID:      p.TenantID,
		Participants:  sortedUnique(p.Participants),
		Events:        events,
		EventCount:    len(events),
		MerkleRoot:    tree.Root(),
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		CreatedAt:     createdAt,
	}
	if err := checkTranscriptRules(t); err != nil {
		return nil, err
	}
	if t.TranscriptHash, err = SessionTranscriptHash(t); err != nil {
		return nil, validate.Fieldf("transcript", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(t); err != nil {
		return nil, err
	}
	if t.Signature, err = sign(p.Signer, t.TranscriptHash, p.SignedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func checkTranscriptRules(t *SessionTranscript) error {
	if mustTime(t.EndedAt).Before(mustTime(t.StartedAt)) {
		return validate.Fieldf("endedAt", "must not precede startedAt")
	}
	if t.EventCount != len(t.Events) {
		return validate.Fieldf("eventCount", "must equal the number of events")
	}
	members := make(map[string]bool, len(t.Participants))
	for _, p := range t.Participants {
		members[p] = true
	}
	for i, e := range t.Events {
		if !members[e.AgentID] {
			return validate.Fieldf("events", "event %d agent %s is not a participant", i, e.AgentID)
		}
	}
	return nil
}

// ValidateSessionTranscript checks fields, the Merkle root, schema version
// and hash.
func ValidateSessionTranscript(t *SessionTranscript) error {
	if err := checkSchema(SessionTranscriptV1, t.SchemaVersion, SessionTranscriptV1); err != nil {
		return err
	}
	if err := validate.Struct(t); err != nil {
		return err
	}
	if err := checkTranscriptRules(t); err != nil {
		return err
	}
	tree, err := transcriptRoot(t.Events)
	if err != nil {
		return err
	}
	if tree.Root() != t.MerkleRoot {
		return &IntegrityError{Artifact: SessionTranscriptV1, Err: ErrHashMismatch, Reason: "merkleRoot does not match events"}
	}
	h, err := SessionTranscriptHash(t)
	if err != nil {
		return validate.Fieldf("transcript", "not canonicalizable: %v", err)
	}
	return checkHash(SessionTranscriptV1, t.TranscriptHash, h)
}

// VerifySessionTranscriptSignature validates t and checks its signature.
func VerifySessionTranscriptSignature(ctx context.Context, t *SessionTranscript, resolver signature.KeyResolver) error {
	if err := ValidateSessionTranscript(t); err != nil {
		return err
	}
	return verifySignature(ctx, SessionTranscriptV1, t.Signature, t.TranscriptHash, resolver)
}

// TranscriptEventProof returns the inclusion proof of the event at index.
func TranscriptEventProof(t *SessionTranscript, index int) (*merkle.Proof, error) {
	tree, err := transcriptRoot(t.Events)
	if err != nil {
		return nil, err
	}
	return tree.Proof(index)
}

// VerifyTranscriptEvent reports whether e is committed at p.LeafIndex under
// merkleRoot.
func VerifyTranscriptEvent(e TranscriptEvent, p *merkle.Proof, merkleRoot string) bool {
	h, err := TranscriptEventHash(e)
	if err != nil {
		return false
	}
	return merkle.VerifyProof(h, p.LeafIndex, p.LeafCount, p.Siblings, merkleRoot)
}
