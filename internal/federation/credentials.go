package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"Roastr/internal/types"
)

const (
	// RootSecretSize is the size of the client's root secret.
	RootSecretSize = 32

	identityInfo = "roastr/identity"
)

// AdminCredentials authenticate the client as a federation admin towards one guardian.
type AdminCredentials struct {
	PeerID uint16 // PeerID is the admin's home guardian
	Auth   []byte // Auth is the shared admin secret
}

// Credentials are the client's persisted secrets.
type Credentials struct {
	RootSecret   []byte           // RootSecret is generated once per data directory
	Admin        AdminCredentials // Admin is the admin identity for publication
	FederationID [32]byte         // FederationID binds the credentials to one federation
}

// GenerateRootSecret returns a fresh random root secret.
func GenerateRootSecret() ([]byte, error) {
	secret := make([]byte, RootSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("read random:\n%w", err)
	}
	return secret, nil
}

// DeriveIdentity derives the client's ed25519 transport identity from the root secret.
// The same root secret always yields the same key.
func (c *Credentials) DeriveIdentity() (ed25519.PrivateKey, error) {
	kdf := hkdf.New(func() hash.Hash { return blake3.New() }, c.RootSecret, c.FederationID[:], []byte(identityInfo))

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("derive identity:\n%w", err)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// encodeCredentials serializes credentials as a flatbuffers record.
func encodeCredentials(c *Credentials) []byte {
	builder := flatbuffers.NewBuilder(128)

	rootVec := builder.CreateByteVector(c.RootSecret)
	authVec := builder.CreateByteVector(c.Admin.Auth)
	fedVec := builder.CreateByteVector(c.FederationID[:])

	types.CredentialsStart(builder)
	types.CredentialsAddRootSecret(builder, rootVec)
	types.CredentialsAddAdminPeerId(builder, c.Admin.PeerID)
	types.CredentialsAddAdminAuth(builder, authVec)
	types.CredentialsAddFederationId(builder, fedVec)
	builder.Finish(types.CredentialsEnd(builder))

	return builder.FinishedBytes()
}

// decodeCredentials parses a record written by encodeCredentials.
func decodeCredentials(data []byte) (c *Credentials, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt credentials record: %v", r)
		}
	}()

	rec := types.GetRootAsCredentials(data, 0)

	root := rec.RootSecretBytes()
	if len(root) != RootSecretSize {
		return nil, fmt.Errorf("root secret is %d bytes", len(root))
	}

	c = &Credentials{
		RootSecret: append([]byte(nil), root...),
		Admin: AdminCredentials{
			PeerID: rec.AdminPeerId(),
			Auth:   append([]byte(nil), rec.AdminAuthBytes()...),
		},
	}
	copy(c.FederationID[:], rec.FederationIdBytes())

	return c, nil
}
