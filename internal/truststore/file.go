package truststore

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type anchorsFile struct {
	Anchors []Anchor `yaml:"anchors"`
}

// NewFileResolver loads static trust anchors from a yaml file
// (TRUST_ANCHORS_FILE). The file is read once at startup.
func NewFileResolver(path string) (Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust anchors: %w", err)
	}
	var f anchorsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse trust anchors: %w", err)
	}
	return NewStaticResolver(f.Anchors...), nil
}

// emptyResolver is the fallback when no anchor source is configured; every
// lookup fails and verification records FAILED with unknown_issuer.
type emptyResolver struct{}

func NewEmptyResolver() Resolver { return emptyResolver{} }

func (emptyResolver) Lookup(context.Context, string, string) (Anchor, error) {
	return Anchor{}, ErrNotFound
}
