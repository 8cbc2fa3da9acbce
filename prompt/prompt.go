// Package prompt holds the system instruction sent verbatim to the model.
// The text is opaque to the gateway: it is loaded, versioned by content hash,
// and never parsed.
package prompt

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"os"

	"github.com/m4xw311/nexus/errors"
)

//go:embed default.md
var defaultText string

// Instruction is a loaded system instruction.
type Instruction struct {
	Text string
	// Version is the first 12 hex digits of the SHA-256 of Text.
	Version string
	Source  string
}

// Load reads the instruction from path, or returns the embedded default when
// path is empty.
func Load(path string) (*Instruction, error) {
	if path == "" {
		return newInstruction(defaultText, "embedded"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read system prompt %s", path)
	}
	if len(data) == 0 {
		return nil, errors.New("system prompt %s is empty", path)
	}
	return newInstruction(string(data), path), nil
}

func newInstruction(text, source string) *Instruction {
	sum := sha256.Sum256([]byte(text))
	return &Instruction{
		Text:    text,
		Version: hex.EncodeToString(sum[:])[:12],
		Source:  source,
	}
}
