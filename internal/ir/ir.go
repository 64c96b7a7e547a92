// Package ir turns a TaskObject's opaque commandIr blob plus the scratch
// paths for its inputs/output into an argv. A full expression-IR language is
// out of scope; this package ships the named interface plus one minimal,
// directly testable implementation.
package ir

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dataflowhq/dataflowd/internal/model"
)

// Evaluator turns a command-IR blob into an argv for a specific invocation.
type Evaluator interface {
	Evaluate(ctx context.Context, commandIR []byte, inputPaths []string, outputPath string) ([]string, error)
}

// ArgvTemplate decodes commandIR as a JSON array of argv tokens containing
// "{{input:N}}" (0-based) and "{{output}}" placeholders, and substitutes
// the caller's scratch paths. It is the simplest evaluator that can drive
// the Task Runner and its tests end-to-end without a general expression
// language.
type ArgvTemplate struct{}

func NewArgvTemplate() ArgvTemplate { return ArgvTemplate{} }

func (ArgvTemplate) Evaluate(_ context.Context, commandIR []byte, inputPaths []string, outputPath string) ([]string, error) {
	var tokens []string
	if err := json.Unmarshal(commandIR, &tokens); err != nil {
		return nil, fmt.Errorf("decode command ir: %w", err)
	}
	argv := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		argv = append(argv, substitute(tok, inputPaths, outputPath))
	}
	return argv, nil
}

func substitute(tok string, inputPaths []string, outputPath string) string {
	tok = strings.ReplaceAll(tok, "{{output}}", outputPath)
	for i, p := range inputPaths {
		tok = strings.ReplaceAll(tok, "{{input:"+strconv.Itoa(i)+"}}", p)
	}
	return tok
}

// EncodeArgvTemplate returns the Hash of the blob EncodeArgvTemplateBytes
// produces for tokens, i.e. the commandIr hash a TaskObject would carry.
func EncodeArgvTemplate(tokens []string) model.Hash {
	b, _ := json.Marshal(tokens)
	return model.HashBytes(b)
}

// EncodeArgvTemplateBytes returns the raw blob (for storing in the Object Store).
func EncodeArgvTemplateBytes(tokens []string) []byte {
	b, _ := json.Marshal(tokens)
	return b
}
