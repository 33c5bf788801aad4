package chains

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/juno-intents/cctp-bridge/internal/blobstore"
	"gopkg.in/yaml.v3"
)

// Document is the YAML registry format:
//
//	chains:
//	  - chain_id: "1"
//	    domain_id: 0
//	    name: Ethereum
//	    chain_type: evm
//	    ...
type Document struct {
	Chains []Chain `yaml:"chains"`
}

func DecodeYAML(b []byte) ([]Chain, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
	}
	for _, c := range doc.Chains {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Chains, nil
}

func EncodeYAML(chains []Chain) ([]byte, error) {
	b, err := yaml.Marshal(Document{Chains: chains})
	if err != nil {
		return nil, fmt.Errorf("chains: encode yaml: %w", err)
	}
	return b, nil
}

type FileLoader struct {
	Path string
}

func (l FileLoader) Load(_ context.Context) ([]Chain, error) {
	if strings.TrimSpace(l.Path) == "" {
		return nil, fmt.Errorf("%w: empty registry path", ErrInvalidConfig)
	}
	b, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("chains: read %s: %w", l.Path, err)
	}
	return DecodeYAML(b)
}

// BlobLoader reads the YAML document from a blob store object.
type BlobLoader struct {
	Store blobstore.Store
	Key   string
}

func (l BlobLoader) Load(ctx context.Context) ([]Chain, error) {
	if l.Store == nil || strings.TrimSpace(l.Key) == "" {
		return nil, fmt.Errorf("%w: blob loader needs store and key", ErrInvalidConfig)
	}
	obj, err := l.Store.Get(ctx, l.Key)
	if err != nil {
		return nil, fmt.Errorf("chains: get %s: %w", l.Key, err)
	}
	return DecodeYAML(obj.Data)
}
