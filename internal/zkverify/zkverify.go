// Package zkverify checks zero-knowledge proofs attached to runs. Proving
// systems are pluggable per protocol name and verification runs on a bounded
// worker pool, away from request handlers.
package zkverify

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// Protocol names.
const (
	Groth16 = "groth16"
	Plonk   = "plonk"
	// Stark is reserved and always rejected as unsupported.
	Stark = "stark"
)

// Verifier checks proofs of one protocol.
type Verifier interface {
	Verify(ctx context.Context, verificationKey json.RawMessage, publicSignals []string, proof json.RawMessage) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, verificationKey json.RawMessage, publicSignals []string, proof json.RawMessage) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, vk json.RawMessage, signals []string, proof json.RawMessage) (bool, error) {
	return f(ctx, vk, signals, proof)
}

// Registry maps protocol names to verifiers.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[string]Verifier)}
}

// Register installs v for protocol. Registering stark is refused.
func (r *Registry) Register(protocol string, v Verifier) error {
	if protocol == Stark {
		return unsupported(protocol)
	}
	if protocol == "" || v == nil {
		return validate.Fieldf("protocol", "protocol and verifier are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[protocol] = v
	return nil
}

// Lookup returns the verifier for protocol.
func (r *Registry) Lookup(protocol string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[protocol]
	if !ok {
		return nil, unsupported(protocol)
	}
	return v, nil
}

// Protocols lists the registered protocol names.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.verifiers))
	for p := range r.verifiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func unsupported(protocol string) error {
	return bizerr.New(bizerr.ZKProtocolUnsupported, "zk protocol %q is not supported", protocol)
}

// Job is one proof to verify.
type Job struct {
	JobID           string          `json:"jobId" validate:"required,artifactid"`
	Protocol        string          `json:"protocol" validate:"required"`
	VerificationKey json.RawMessage `json:"verificationKey" validate:"required"`
	PublicSignals   []string        `json:"publicSignals"`
	Proof           json.RawMessage `json:"proof" validate:"required"`
}

// Result is the outcome of one Job. Error is set when the proof could not be
// checked at all, as opposed to being checked and found invalid.
type Result struct {
	JobID      string `json:"jobId"`
	Protocol   string `json:"protocol"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}
