package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"Roastr/internal/logger"
	"Roastr/internal/storage"
)

var (
	// ErrNotInitialized is returned when the store holds no federation.
	ErrNotInitialized = errors.New("federation not initialized")

	// ErrFederationMismatch is returned when the invite names another federation than the stored one.
	ErrFederationMismatch = errors.New("invite is for a different federation")
)

var (
	descriptorKey  = []byte("f/descriptor")
	credentialsKey = []byte("c/credentials")
)

// Membership is the client's view of the federation it joined.
type Membership struct {
	desc  *Descriptor
	creds *Credentials
	index map[uint16]Guardian
}

func newMembership(desc *Descriptor, creds *Credentials) *Membership {
	m := &Membership{
		desc:  desc,
		creds: creds,
		index: make(map[uint16]Guardian, len(desc.Guardians)),
	}
	desc.Guardians = sortedGuardians(desc.Guardians)
	for _, g := range desc.Guardians {
		m.index[g.PeerID] = g
	}
	return m
}

// ID returns the federation id.
func (m *Membership) ID() [32]byte { return m.desc.ID() }

// Threshold returns the number of shares needed for a group signature.
func (m *Membership) Threshold() int { return m.desc.Threshold }

// GroupKey returns the compressed group public key.
func (m *Membership) GroupKey() []byte { return m.desc.GroupPublicKey }

// Descriptor returns the stored federation config.
func (m *Membership) Descriptor() *Descriptor { return m.desc }

// Credentials returns the client's credentials.
func (m *Membership) Credentials() *Credentials { return m.creds }

// Guardians returns every guardian in ascending peer id order.
func (m *Membership) Guardians() []Guardian {
	out := make([]Guardian, len(m.desc.Guardians))
	copy(out, m.desc.Guardians)
	return out
}

// PublicShares maps each guardian's peer id to its public key share.
func (m *Membership) PublicShares() map[uint16][]byte {
	out := make(map[uint16][]byte, len(m.desc.Guardians))
	for _, g := range m.desc.Guardians {
		out[g.PeerID] = g.PublicShare
	}
	return out
}

// Guardian looks up a guardian by peer id.
func (m *Membership) Guardian(peerID uint16) (Guardian, bool) {
	g, ok := m.index[peerID]
	return g, ok
}

// OpenExisting loads the membership persisted by an earlier Join.
func OpenExisting(store storage.Engine) (*Membership, error) {
	rawDesc, err := store.Get(descriptorKey)
	if err != nil {
		return nil, fmt.Errorf("read descriptor:\n%w", err)
	}

	if rawDesc == nil {
		return nil, ErrNotInitialized
	}

	var desc Descriptor
	if err := json.Unmarshal(rawDesc, &desc); err != nil {
		return nil, fmt.Errorf("decode stored descriptor:\n%w", err)
	}

	rawCreds, err := store.Get(credentialsKey)
	if err != nil {
		return nil, fmt.Errorf("read credentials:\n%w", err)
	}

	if rawCreds == nil {
		return nil, fmt.Errorf("descriptor present but credentials missing:\n%w", ErrNotInitialized)
	}

	creds, err := decodeCredentials(rawCreds)
	if err != nil {
		return nil, fmt.Errorf("decode stored credentials:\n%w", err)
	}

	return newMembership(&desc, creds), nil
}

// Join makes the client a member of the federation named by invite.
// An already-initialized store is reused as-is; the network is not contacted.
// Otherwise the descriptor is fetched, validated, and persisted together with
// the credentials in one transaction.
func Join(ctx context.Context, store storage.Engine, fetcher ConfigFetcher, invite Invite, admin AdminCredentials) (*Membership, error) {
	existing, err := OpenExisting(store)
	if err == nil {
		if existing.ID() != invite.FederationID {
			return nil, fmt.Errorf("stored %x, invite %x:\n%w", existing.ID(), invite.FederationID, ErrFederationMismatch)
		}

		logger.Info("federation already initialized, using local state", "federation", shortID(existing.ID()))
		return existing, nil
	}

	if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	logger.Info("downloading federation config", "url", invite.URL, "peer", invite.PeerID)

	desc, err := fetcher.Fetch(ctx, invite.URL)
	if err != nil {
		return nil, err
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	if desc.ID() != invite.FederationID {
		return nil, fmt.Errorf("config id %x does not match invite:\n%w", desc.ID(), ErrInvalidConfig)
	}

	if _, ok := findGuardian(desc, invite.PeerID); !ok {
		return nil, fmt.Errorf("invite peer %d not in config:\n%w", invite.PeerID, ErrInvalidConfig)
	}

	if _, ok := findGuardian(desc, admin.PeerID); !ok {
		return nil, fmt.Errorf("admin peer %d not in config:\n%w", admin.PeerID, ErrInvalidConfig)
	}

	rawDesc, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor:\n%w", err)
	}

	var creds *Credentials

	err = store.Update(func(txn storage.Txn) error {
		rootSecret, err := loadOrGenerateRootSecret(txn)
		if err != nil {
			return err
		}

		creds = &Credentials{
			RootSecret:   rootSecret,
			Admin:        admin,
			FederationID: desc.ID(),
		}

		if err := txn.Set(credentialsKey, encodeCredentials(creds)); err != nil {
			return fmt.Errorf("write credentials:\n%w", err)
		}

		if err := txn.Set(descriptorKey, rawDesc); err != nil {
			return fmt.Errorf("write descriptor:\n%w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist membership:\n%w", err)
	}

	logger.Info("joined federation",
		"federation", shortID(desc.ID()),
		"guardians", len(desc.Guardians),
		"threshold", desc.Threshold,
	)

	return newMembership(desc, creds), nil
}

// loadOrGenerateRootSecret keeps a root secret already in the store.
func loadOrGenerateRootSecret(txn storage.Txn) ([]byte, error) {
	raw, err := txn.Get(credentialsKey)
	if err != nil {
		return nil, fmt.Errorf("read credentials:\n%w", err)
	}

	if raw != nil {
		creds, err := decodeCredentials(raw)
		if err != nil {
			return nil, err
		}
		return creds.RootSecret, nil
	}

	return GenerateRootSecret()
}

func findGuardian(desc *Descriptor, peerID uint16) (Guardian, bool) {
	for _, g := range desc.Guardians {
		if g.PeerID == peerID {
			return g, true
		}
	}
	return Guardian{}, false
}

func shortID(id [32]byte) string {
	return fmt.Sprintf("%x", id[:4])
}
