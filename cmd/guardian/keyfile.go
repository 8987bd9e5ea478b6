package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"Roastr/internal/federation"
	"Roastr/internal/threshold"
)

// KeyFile is one guardian's secret material and listen addresses.
type KeyFile struct {
	PeerID       uint16              `yaml:"peer_id"`
	SecretShare  federation.HexBytes `yaml:"secret_share"`  // SecretShare is the BLS secret share
	IdentitySeed federation.HexBytes `yaml:"identity_seed"` // IdentitySeed is the ed25519 seed of the QUIC identity
	AdminAuth    federation.HexBytes `yaml:"admin_auth"`    // AdminAuth is the secret required to publish
	QUICListen   string              `yaml:"quic_listen"`
	HTTPListen   string              `yaml:"http_listen"`
	DataDir      string              `yaml:"data_dir"`
}

// share returns the guardian's key share.
func (k *KeyFile) share() (*threshold.KeyShare, error) {
	return threshold.NewKeyShare(k.PeerID, k.SecretShare)
}

// identity returns the guardian's transport key.
func (k *KeyFile) identity() (ed25519.PrivateKey, error) {
	if len(k.IdentitySeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed is %d bytes, want %d", len(k.IdentitySeed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(k.IdentitySeed), nil
}

func readKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	var k KeyFile
	if err := yaml.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse key file %s:\n%w", path, err)
	}

	return &k, nil
}

func writeKeyFile(path string, k *KeyFile) error {
	data, err := yaml.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode key file:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s:\n%w", path, err)
	}

	return nil
}

func readDescriptor(path string) (*federation.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read federation:\n%w", err)
	}

	var desc federation.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse federation %s:\n%w", path, err)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	return &desc, nil
}

func writeDescriptor(path string, desc *federation.Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode federation:\n%w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s:\n%w", path, err)
	}

	return nil
}
