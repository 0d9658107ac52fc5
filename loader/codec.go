package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loader: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// DecodeYAML parses a YAML module document. Unknown keys are errors.
func DecodeYAML(data []byte) (*ModuleDoc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc ModuleDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("loader: empty module document")
		}
		return nil, fmt.Errorf("loader: parse yaml: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DecodeCBOR parses a CBOR module image.
func DecodeCBOR(data []byte) (*ModuleDoc, error) {
	var doc ModuleDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("loader: unmarshal module: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// EncodeCBOR serializes doc in canonical CBOR, so equal documents encode to
// equal bytes.
func EncodeCBOR(doc *ModuleDoc) ([]byte, error) {
	return cborEncMode.Marshal(doc)
}

// Hash returns the hex sha256 of the canonical CBOR encoding of doc.
func Hash(doc *ModuleDoc) (string, error) {
	data, err := EncodeCBOR(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadFile reads a module document, choosing the decoder by extension:
// .yaml and .yml are YAML, .cbor and .capsule are CBOR.
func LoadFile(path string) (*ModuleDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	var doc *ModuleDoc
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		doc, err = DecodeYAML(data)
	case ".cbor", ".capsule":
		doc, err = DecodeCBOR(data)
	default:
		return nil, fmt.Errorf("loader: %s: unknown module format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("loaded module %s from %s (%d classes)", doc.Name, path, len(doc.Classes))
	return doc, nil
}

// WriteCBOR writes doc's canonical image to path.
func WriteCBOR(path string, doc *ModuleDoc) error {
	data, err := EncodeCBOR(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// check validates what decoding alone cannot: names and value shapes.
func (doc *ModuleDoc) check() error {
	if doc.Name == "" {
		return fmt.Errorf("loader: module has no name")
	}
	for name, v := range doc.Constants {
		if err := v.validate(); err != nil {
			return fmt.Errorf("loader: constant %s: %w", name, err)
		}
	}
	seen := make(map[string]bool, len(doc.Classes))
	for i, c := range doc.Classes {
		if c.Name == "" {
			return fmt.Errorf("loader: class %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("loader: duplicate class %s", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
