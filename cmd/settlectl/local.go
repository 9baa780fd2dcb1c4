package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/delegation"
	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/kernel"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/merkle"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

func init() {
	rootCmd.AddCommand(canonicalizeCmd, hashCmd, keygenCmd, apikeyCmd, tokenCmd,
		signCmd, verifySigCmd, merkleCmd, policyCmd, grantCmd, receiptCmd)
}

// decodeJSON parses b keeping numbers exact.
func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// ── canonical ────────────────────────────────────────────────────────────────

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize [file|-]",
	Short: "Print the canonical JSON form of a document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := readInput(args)
		if err != nil {
			return err
		}
		v, err := decodeJSON(b)
		if err != nil {
			return err
		}
		out, err := canonical.Stringify(v)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash [file|-]",
	Short: "Print the SHA-256 of a document's canonical JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := readInput(args)
		if err != nil {
			return err
		}
		v, err := decodeJSON(b)
		if err != nil {
			return err
		}
		h, err := canonical.HashHex(v)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

// ── keys and credentials ─────────────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the Ed25519 signing key in --key-dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("key-dir")
		if _, err := os.Stat(filepath.Join(dir, "signing.key")); err == nil && !keygenForce {
			return fmt.Errorf("%s already holds a signing key; use --force to replace it", dir)
		}
		kp, err := signature.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := signature.SaveKeyPair(dir, kp); err != nil {
			return err
		}
		pub, err := signature.PublicKeyPEM(kp.PublicKey())
		if err != nil {
			return err
		}
		fmt.Printf("Key ID: %s\n\n%s", kp.KeyID(), pub)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate a tenant API key and the bcrypt hash to configure on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := identity.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Printf("API key:  %s\n", key)
		fmt.Printf("Hash:     %s\n\n", hash)
		fmt.Println("Add the hash under identity.api_keys.<tenant> in settled.yaml. The key is not shown again.")
		return nil
	},
}

var (
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an ops token with the server's signing key",
	Long: `token signs an ops token offline with the key in --key-dir. It is meant
for operators holding the server key; tenants use their API key instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := viper.GetString("tenant")
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		kp, err := signature.LoadKeyPair(viper.GetString("key-dir"))
		if err != nil {
			return err
		}
		issuer := identity.NewTokenIssuer(kp.PrivateKey(), viper.GetString("issuer"), tokenTTL)
		tok, err := issuer.Issue(tenant, tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Replace an existing key")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "settlectl", "Token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", identity.AllScopes[:len(identity.AllScopes)-1], "Granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 15*time.Minute, "Token lifetime")
}

// ── signing ──────────────────────────────────────────────────────────────────

var signCmd = &cobra.Command{
	Use:   "sign [file|-]",
	Short: "Sign the canonical hash of a document with the key in --key-dir",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := readInput(args)
		if err != nil {
			return err
		}
		v, err := decodeJSON(b)
		if err != nil {
			return err
		}
		h, err := canonical.HashHex(v)
		if err != nil {
			return err
		}
		kp, err := signature.LoadKeyPair(viper.GetString("key-dir"))
		if err != nil {
			return err
		}
		sig, err := kp.SignHash(h)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"hash": h, "keyId": kp.KeyID(), "signature": sig})
	},
}

var (
	verifyPubFile string
	verifyHash    string
	verifySig     string
)

var verifySigCmd = &cobra.Command{
	Use:   "verify-signature",
	Short: "Verify an Ed25519 signature over a hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, err := loadPublicKey(verifyPubFile)
		if err != nil {
			return err
		}
		ok, err := signature.VerifyHash(verifyHash, verifySig, pub)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("signature does not verify")
		}
		fmt.Println("✓ signature valid")
		return nil
	},
}

func init() {
	verifySigCmd.Flags().StringVar(&verifyPubFile, "pub", "", "Public key PEM (default <key-dir>/signing.pub)")
	verifySigCmd.Flags().StringVar(&verifyHash, "hash", "", "Hex SHA-256 that was signed")
	verifySigCmd.Flags().StringVar(&verifySig, "signature", "", "Base64 signature")
	_ = verifySigCmd.MarkFlagRequired("hash")
	_ = verifySigCmd.MarkFlagRequired("signature")
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		path = filepath.Join(viper.GetString("key-dir"), "signing.pub")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return signature.ParsePublicKeyPEM(data)
}

// ── merkle ───────────────────────────────────────────────────────────────────

var merkleProofIndex int

var merkleCmd = &cobra.Command{
	Use:   "merkle <leaf> [leaf...]",
	Short: "Compute the Merkle root of leaves, optionally with an inclusion proof",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := merkle.Build(args)
		if err != nil {
			return err
		}
		out := map[string]any{"root": t.Root(), "leafCount": t.LeafCount()}
		if merkleProofIndex >= 0 {
			p, err := t.Proof(merkleProofIndex)
			if err != nil {
				return err
			}
			out["proof"] = p
		}
		return printJSON(out)
	},
}

func init() {
	merkleCmd.Flags().IntVar(&merkleProofIndex, "proof", -1, "Leaf index to prove")
}

// ── policy ───────────────────────────────────────────────────────────────────

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Settlement policy tools",
}

var (
	policyFile      string
	policyMode      string
	policyStatus    string
	policyRunStatus string
	policyAmount    int64
)

var policyEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a settlement policy against a verification outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := settlement.DefaultPolicy()
		if policyFile != "" {
			raw, err := os.ReadFile(policyFile)
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			if p, err = settlement.ParsePolicy(raw); err != nil {
				return err
			}
		}
		d, err := settlement.Evaluate(p, settlement.VerificationMethod{Mode: policyMode},
			policyStatus, policyRunStatus, policyAmount)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var policyHashCmd = &cobra.Command{
	Use:   "hash <policy.json>",
	Short: "Print a policy's normalized hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read policy: %w", err)
		}
		p, err := settlement.ParsePolicy(raw)
		if err != nil {
			return err
		}
		h, err := settlement.PolicyHash(p)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func init() {
	policyEvalCmd.Flags().StringVar(&policyFile, "policy", "", "Policy JSON file (default policy when empty)")
	policyEvalCmd.Flags().StringVar(&policyMode, "mode", "deterministic", "Verification mode: deterministic, attested or discretionary")
	policyEvalCmd.Flags().StringVar(&policyStatus, "status", "", "Verification status: green, amber or red")
	policyEvalCmd.Flags().StringVar(&policyRunStatus, "run-status", "completed", "Run status: completed or failed")
	policyEvalCmd.Flags().Int64Var(&policyAmount, "amount", 0, "Escrowed amount in cents")
	_ = policyEvalCmd.MarkFlagRequired("status")
	policyCmd.AddCommand(policyEvalCmd, policyHashCmd)
}

// ── delegation grants ────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Delegation grant tools",
}

var (
	grantAt         string
	grantOperation  string
	grantEvidenceAt string
)

var grantEvalCmd = &cobra.Command{
	Use:   "eval <grant.json>",
	Short: "Evaluate a delegation grant's trust state at an instant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var g artifact.DelegationGrant
		if err := readJSONFile(args[0], &g); err != nil {
			return err
		}
		req := delegation.Request{At: time.Now().UTC(), Operation: delegation.Operation(grantOperation)}
		if grantAt != "" {
			t, err := time.Parse(time.RFC3339, grantAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			req.At = t
		}
		if grantEvidenceAt != "" {
			t, err := time.Parse(time.RFC3339, grantEvidenceAt)
			if err != nil {
				return fmt.Errorf("--evidence-at: %w", err)
			}
			req.EvidenceAt = &t
		}
		d, err := delegation.Evaluate(&g, req)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var grantHashCmd = &cobra.Command{
	Use:   "hash <grant.json>",
	Short: "Recompute a delegation grant's hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var g artifact.DelegationGrant
		if err := readJSONFile(args[0], &g); err != nil {
			return err
		}
		h, err := artifact.DelegationGrantHash(&g)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func init() {
	grantEvalCmd.Flags().StringVar(&grantAt, "at", "", "Evaluation instant, RFC 3339 (default now)")
	grantEvalCmd.Flags().StringVar(&grantOperation, "op", string(delegation.OpWrite), "Operation: read or write")
	grantEvalCmd.Flags().StringVar(&grantEvidenceAt, "evidence-at", "", "Evidence timestamp for historical reads, RFC 3339")
	grantCmd.AddCommand(grantEvalCmd, grantHashCmd)
}

// ── receipts ─────────────────────────────────────────────────────────────────

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Settlement receipt tools",
}

var (
	receiptStrict  bool
	receiptPubFile string
)

var receiptVerifyCmd = &cobra.Command{
	Use:   "verify <receipt.json>",
	Short: "Run the kernel verifier over a settlement receipt",
	Long: `verify checks a receipt's hashes, bindings and totals. With --pub the
signature is checked against that key and an unsigned receipt fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r artifact.SettlementReceipt
		if err := readJSONFile(args[0], &r); err != nil {
			return err
		}
		opts := kernel.Options{Strict: receiptStrict}
		if receiptPubFile != "" {
			pub, err := loadPublicKey(receiptPubFile)
			if err != nil {
				return err
			}
			ring, err := signature.NewKeyring(pub)
			if err != nil {
				return err
			}
			opts.Resolver, opts.RequireSignatures = ring, true
		}
		rep := kernel.VerifyReceipt(context.Background(), &r, opts)
		if err := printJSON(rep); err != nil {
			return err
		}
		if !rep.Valid {
			return fmt.Errorf("receipt failed verification")
		}
		return nil
	},
}

func init() {
	receiptVerifyCmd.Flags().BoolVar(&receiptStrict, "strict", false, "Treat warnings as errors")
	receiptVerifyCmd.Flags().StringVar(&receiptPubFile, "pub", "", "Signer public key PEM")
	receiptCmd.AddCommand(receiptVerifyCmd)
}
