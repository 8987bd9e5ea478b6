package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"Roastr/internal/federation"
	"Roastr/internal/logger"
	"Roastr/internal/threshold"
)

// federationFile is the descriptor written next to the key files.
const federationFile = "federation.json"

var (
	flagThreshold = &cli.IntFlag{Name: "threshold", Value: 2, Usage: "Shares needed for a group signature"}
	flagGuardians = &cli.IntFlag{Name: "guardians", Value: 3, Usage: "Number of guardians"}
	flagHost      = &cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "Host the guardians are reachable at"}
	flagQUICPort  = &cli.IntFlag{Name: "base-port", Value: 7500, Usage: "QUIC port of guardian 0; guardian i uses base-port+i"}
	flagHTTPPort  = &cli.IntFlag{Name: "base-http-port", Value: 7600, Usage: "HTTP port of guardian 0; guardian i uses base-http-port+i"}
	flagOut       = &cli.StringFlag{Name: "out", Value: "./devnet", Usage: "Output directory"}
)

// dealOptions shapes a devnet federation.
type dealOptions struct {
	Threshold int
	Guardians int
	Host      string
	QUICPort  int
	HTTPPort  int
	Dir       string
}

// dealResult is a dealt federation.
type dealResult struct {
	Descriptor *federation.Descriptor
	Keys       []*KeyFile
	Invites    []string
	AdminAuth  []byte
}

func dealCommand() *cli.Command {
	return &cli.Command{
		Name:  "deal",
		Usage: "Split a fresh group key and write one key file per guardian",
		Flags: []cli.Flag{flagThreshold, flagGuardians, flagHost, flagQUICPort, flagHTTPPort, flagOut},
		Action: func(cCtx *cli.Context) error {
			opts := dealOptions{
				Threshold: cCtx.Int(flagThreshold.Name),
				Guardians: cCtx.Int(flagGuardians.Name),
				Host:      cCtx.String(flagHost.Name),
				QUICPort:  cCtx.Int(flagQUICPort.Name),
				HTTPPort:  cCtx.Int(flagHTTPPort.Name),
				Dir:       cCtx.String(flagOut.Name),
			}

			res, err := deal(opts)
			if err != nil {
				return err
			}

			if err := writeDeal(opts.Dir, res); err != nil {
				return err
			}

			id := res.Descriptor.ID()
			logger.Info("federation dealt",
				"federation", fmt.Sprintf("%x", id[:8]),
				"threshold", opts.Threshold,
				"guardians", opts.Guardians,
				"dir", opts.Dir,
			)

			fmt.Printf("admin auth: %x\n", res.AdminAuth)
			for i, code := range res.Invites {
				fmt.Printf("guardian %d invite: %s\n", i, code)
			}

			return nil
		},
	}
}

// deal creates the key material and descriptor of a devnet federation.
func deal(opts dealOptions) (*dealResult, error) {
	dealing, err := threshold.Deal(opts.Threshold, opts.Guardians)
	if err != nil {
		return nil, fmt.Errorf("deal:\n%w", err)
	}

	adminAuth := make([]byte, 32)
	if _, err := rand.Read(adminAuth); err != nil {
		return nil, fmt.Errorf("generate admin auth:\n%w", err)
	}

	res := &dealResult{AdminAuth: adminAuth}
	guardians := make([]federation.Guardian, len(dealing.Shares))

	for i, share := range dealing.Shares {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}

		quicAddr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.QUICPort+i))
		httpAddr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.HTTPPort+i))

		guardians[i] = federation.Guardian{
			PeerID:      share.PeerID,
			Endpoint:    quicAddr,
			IdentityKey: federation.HexBytes(pub),
			PublicShare: share.PublicKeyBytes(),
		}

		res.Keys = append(res.Keys, &KeyFile{
			PeerID:       share.PeerID,
			SecretShare:  share.SecretBytes(),
			IdentitySeed: priv.Seed(),
			AdminAuth:    adminAuth,
			QUICListen:   quicAddr,
			HTTPListen:   httpAddr,
			DataDir:      filepath.Join(opts.Dir, fmt.Sprintf("guardian-%d-data", i)),
		})
	}

	res.Descriptor, err = federation.NewDescriptor(opts.Threshold, guardians, dealing.GroupKey)
	if err != nil {
		return nil, err
	}

	if err := res.Descriptor.Validate(); err != nil {
		return nil, err
	}

	for _, k := range res.Keys {
		invite := federation.Invite{
			FederationID: res.Descriptor.ID(),
			PeerID:       k.PeerID,
			URL:          "http://" + k.HTTPListen,
		}
		res.Invites = append(res.Invites, invite.String())
	}

	return res, nil
}

// writeDeal writes guardian-<i>.yaml, federation.json and invites.txt into dir.
func writeDeal(dir string, res *dealResult) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s:\n%w", dir, err)
	}

	for _, k := range res.Keys {
		if err := writeKeyFile(filepath.Join(dir, fmt.Sprintf("guardian-%d.yaml", k.PeerID)), k); err != nil {
			return err
		}
	}

	if err := writeDescriptor(filepath.Join(dir, federationFile), res.Descriptor); err != nil {
		return err
	}

	var invites []byte
	for i, code := range res.Invites {
		invites = fmt.Appendf(invites, "%d %s\n", i, code)
	}

	if err := os.WriteFile(filepath.Join(dir, "invites.txt"), invites, 0644); err != nil {
		return fmt.Errorf("write invites:\n%w", err)
	}

	return nil
}
