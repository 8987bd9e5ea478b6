package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"Roastr/client"
)

var (
	flagInvite = &cli.StringFlag{
		Name:     "invite",
		Usage:    "Invite code (roastr1...)",
		Required: true,
	}
	flagAdminPeer = &cli.UintFlag{
		Name:     "admin-peer",
		Usage:    "Peer id of the admin's guardian",
		Required: true,
	}
	flagAdminAuth = &cli.StringFlag{
		Name:     "admin-auth",
		Usage:    "Admin auth secret, hex",
		Required: true,
		EnvVars:  []string{"ROASTR_ADMIN_AUTH"},
	}
	flagWait = &cli.DurationFlag{
		Name:  "wait",
		Value: 30 * time.Second,
		Usage: "How long the daemon holds each sign request",
	}
	flagRetry = &cli.BoolFlag{
		Name:  "retry",
		Usage: "Keep signing while the daemon reports a retryable failure",
	}
)

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "Join a federation with an invite code",
		Flags: []cli.Flag{flagDaemon, flagInvite, flagAdminPeer, flagAdminAuth},
		Action: func(cCtx *cli.Context) error {
			auth, err := hex.DecodeString(cCtx.String(flagAdminAuth.Name))
			if err != nil {
				return fmt.Errorf("admin auth is not hex:\n%w", err)
			}

			peer := cCtx.Uint(flagAdminPeer.Name)
			if peer > 0xFFFF {
				return fmt.Errorf("admin peer %d out of range", peer)
			}

			c := client.New(cCtx.String(flagDaemon.Name))

			resp, err := c.Join(cCtx.Context, cCtx.String(flagInvite.Name), uint16(peer), auth)
			if err != nil {
				return err
			}

			return printJSON(resp)
		},
	}
}

func noteCommand() *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Create, sign and broadcast notes",
		Flags: []cli.Flag{flagDaemon},
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a note from the argument, or stdin when none is given",
				ArgsUsage: "[content]",
				Action: func(cCtx *cli.Context) error {
					content, err := noteContent(cCtx)
					if err != nil {
						return err
					}

					id, err := daemon(cCtx).CreateNote(cCtx.Context, content)
					if err != nil {
						return err
					}

					fmt.Println(id)
					return nil
				},
			},
			{
				Name:      "sign",
				Usage:     "Collect signature shares until the note is group-signed",
				ArgsUsage: "<event-id>",
				Flags:     []cli.Flag{flagWait, flagRetry},
				Action: withEventID(func(cCtx *cli.Context, c *client.Client, id string) (any, error) {
					if cCtx.Bool(flagRetry.Name) {
						return c.SignNoteUntilDone(cCtx.Context, id, cCtx.Duration(flagWait.Name))
					}
					return c.SignNote(cCtx.Context, id, cCtx.Duration(flagWait.Name))
				}),
			},
			{
				Name:      "broadcast",
				Usage:     "Publish a signed note through the federation",
				ArgsUsage: "<event-id>",
				Action: withEventID(func(cCtx *cli.Context, c *client.Client, id string) (any, error) {
					return c.BroadcastNote(cCtx.Context, id)
				}),
			},
			{
				Name:      "sessions",
				Usage:     "Show each guardian's share status",
				ArgsUsage: "<event-id>",
				Action: withEventID(func(cCtx *cli.Context, c *client.Client, id string) (any, error) {
					return c.SigningSessions(cCtx.Context, id)
				}),
			},
			{
				Name:      "show",
				Usage:     "Show a signed note",
				ArgsUsage: "<event-id>",
				Action: withEventID(func(cCtx *cli.Context, c *client.Client, id string) (any, error) {
					return c.Note(cCtx.Context, id)
				}),
			},
			{
				Name:  "list",
				Usage: "List every note",
				Action: func(cCtx *cli.Context) error {
					notes, err := daemon(cCtx).Notes(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(notes)
				},
			},
		},
	}
}

// withEventID wraps an action that takes the event id as its only argument and prints the result.
func withEventID(fn func(cCtx *cli.Context, c *client.Client, id string) (any, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return fmt.Errorf("expected one event id, got %d arguments", cCtx.NArg())
		}

		result, err := fn(cCtx, daemon(cCtx), cCtx.Args().First())
		if err != nil {
			return err
		}

		return printJSON(result)
	}
}

func daemon(cCtx *cli.Context) *client.Client {
	return client.New(cCtx.String(flagDaemon.Name))
}

func noteContent(cCtx *cli.Context) ([]byte, error) {
	if cCtx.NArg() > 0 {
		return []byte(cCtx.Args().First()), nil
	}

	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin:\n%w", err)
	}

	return content, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
