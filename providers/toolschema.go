package providers

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateToolSchema checks that a tool's Function.Parameters is itself a
// well-formed JSON Schema document, by compiling it against the meta-schema
// (spec §4.1 "tool parameter schemas are validated before dispatch"). A
// malformed schema is rejected here rather than surfaced as a confusing
// adapter-side wire error from whichever provider happens to receive it.
func validateToolSchema(name string, raw []byte) error {
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", name, err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("tool %q: invalid parameter schema: %w", name, err)
	}
	return nil
}
