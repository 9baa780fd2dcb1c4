package zkverify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandVerifier delegates to a snarkjs-compatible CLI:
//
//	<Command> <protocol> verify <vk.json> <public.json> <proof.json>
//
// The tool must exit 0 for a valid proof. A non-zero exit whose output
// contains InvalidMarker is an invalid proof; any other failure is an error.
type CommandVerifier struct {
	Command       string
	Protocol      string
	InvalidMarker string
}

// NewSnarkJSVerifier returns a CommandVerifier for the snarkjs binary at
// path.
func NewSnarkJSVerifier(path, protocol string) *CommandVerifier {
	return &CommandVerifier{Command: path, Protocol: protocol, InvalidMarker: "Invalid proof"}
}

// Verify implements Verifier. The process is killed when ctx ends.
func (c *CommandVerifier) Verify(ctx context.Context, vk json.RawMessage, signals []string, proof json.RawMessage) (bool, error) {
	dir, err := os.MkdirTemp("", "zkverify-")
	if err != nil {
		return false, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	if signals == nil {
		signals = []string{}
	}
	pub, err := json.Marshal(signals)
	if err != nil {
		return false, fmt.Errorf("encode public signals: %w", err)
	}
	files := map[string][]byte{"vk.json": vk, "public.json": pub, "proof.json": proof}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return false, fmt.Errorf("write %s: %w", name, err)
		}
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Protocol, "verify",
		filepath.Join(dir, "vk.json"), filepath.Join(dir, "public.json"), filepath.Join(dir, "proof.json"))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr) && c.InvalidMarker != "" && strings.Contains(out.String(), c.InvalidMarker):
		return false, nil
	default:
		return false, fmt.Errorf("%s %s verify: %w: %s", c.Command, c.Protocol, err, strings.TrimSpace(out.String()))
	}
}
