// Package schemaresolve wraps the compiled JSON-Schema validator spec.md
// treats as an opaque external collaborator (santhosh-tekuri/jsonschema/v5)
// and implements component D: walking a schema along a mutation path,
// caching per-path validators, and classifying each path as
// primitive/date/complex.
package schemaresolve

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile turns a raw JSON-Schema document into a compiled validator. The
// resource URL is synthetic and never dereferenced over the network; it
// only needs to be unique per schema so $ref resolution inside the
// document has a stable base.
func Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha1.Sum(raw)
	url := "mem://schema/" + hex.EncodeToString(sum[:]) + ".json"

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schemaresolve: adding schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schemaresolve: compiling schema: %w", err)
	}
	return schema, nil
}
