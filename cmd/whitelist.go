package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/identity"
	"github.com/Shugur-Network/gated-relay/internal/models"
	"github.com/Shugur-Network/gated-relay/internal/storage"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Inspect and manage the database whitelist",
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <pubkey|npub>",
	Short: "Whitelist an author",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubkey, err := parsePubkey(args[0])
		if err != nil {
			return err
		}
		cohorts, _ := cmd.Flags().GetStringSlice("cohort")
		addedBy, _ := cmd.Flags().GetString("added-by")

		return withWhitelist(cmd.Context(), func(ctx context.Context, p domain.WhitelistProvider) error {
			entry := models.WhitelistEntry{PubKey: pubkey, Cohorts: cohorts, AddedBy: addedBy}
			if err := p.Add(ctx, entry); err != nil {
				if errors.Is(err, domain.ErrEntryExists) {
					return fmt.Errorf("%s is already whitelisted", pubkey)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "whitelisted %s\n", pubkey)
			return nil
		})
	},
}

var whitelistCheckCmd = &cobra.Command{
	Use:   "check <pubkey|npub>",
	Short: "Report whether an author may write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubkey, err := parsePubkey(args[0])
		if err != nil {
			return err
		}

		run := func(ctx context.Context, p domain.WhitelistProvider) error {
			auth := whitelist.NewAuthorizer(cfg.Policy.Whitelist.PubKeys, p, cfg.Policy.DevAllowAll)
			src, err := auth.Lookup(ctx, pubkey)
			if err != nil {
				return err
			}
			if src == whitelist.SourceNone {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not whitelisted\n", pubkey)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is whitelisted (%s)\n", pubkey, src)
			return nil
		}
		if cfg.Database.URL == "" {
			return run(cmd.Context(), nil)
		}
		return withWhitelist(cmd.Context(), run)
	},
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List database whitelist entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cohort, _ := cmd.Flags().GetString("cohort")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withWhitelist(cmd.Context(), func(ctx context.Context, p domain.WhitelistProvider) error {
			entries, total, err := p.List(ctx, models.ListOptions{Limit: limit, Offset: offset, Cohort: strings.ToLower(cohort)})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"entries": entries, "total": total})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PUBKEY\tCOHORTS\tADDED BY\tADDED AT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.PubKey, strings.Join(e.Cohorts, ","), e.AddedBy, e.AddedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d entries\n", len(entries), total)
			return nil
		})
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a relay keypair",
	Long:  "Generate a secp256k1 keypair. With --out the secret key is written to that file for general.identity_file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if path, _ := cmd.Flags().GetString("out"); path != "" {
			if err := identity.Save(id, path); err != nil {
				return err
			}
			fmt.Fprintf(out, "secret key written to %s\n", path)
		} else {
			fmt.Fprintf(out, "secret: %s\n", id.PrivateKey)
		}
		fmt.Fprintf(out, "pubkey: %s\nnpub:   %s\n", id.PublicKey, id.NPub)
		return nil
	},
}

// parsePubkey accepts a hex pubkey or an npub.
func parsePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("invalid npub: %q", s)
		}
		return value.(string), nil
	}
	s = strings.ToLower(s)
	if len(s) != 64 || strings.Trim(s, "0123456789abcdef") != "" {
		return "", fmt.Errorf("pubkey must be 64 hex characters or an npub")
	}
	return s, nil
}

// withWhitelist opens the Postgres whitelist for one command.
func withWhitelist(ctx context.Context, fn func(context.Context, domain.WhitelistProvider) error) error {
	if cfg.Database.URL == "" {
		return errors.New("database.url is not set: the in-memory whitelist only exists inside a running relay")
	}
	ctx, cancel := context.WithTimeout(ctx, constants.DBConnAcquireTimeout*3)
	defer cancel()

	pg, err := storage.OpenPostgres(ctx, cfg.Database.URL, 2, 0)
	if err != nil {
		return err
	}
	defer pg.Close()
	return fn(ctx, pg.Whitelist())
}

func init() {
	whitelistAddCmd.Flags().StringSlice("cohort", nil, "Cohort to place the author in (repeatable)")
	whitelistAddCmd.Flags().String("added-by", "cli", "Recorded as the entry's addedBy")
	whitelistListCmd.Flags().String("cohort", "", "Only list members of this cohort")
	whitelistListCmd.Flags().Int("limit", 100, "Maximum entries to print, 0 for all")
	whitelistListCmd.Flags().Int("offset", 0, "Entries to skip")
	whitelistListCmd.Flags().Bool("json", false, "Print JSON instead of a table")
	keygenCmd.Flags().String("out", "", "Write the secret key to this file")

	whitelistCmd.AddCommand(whitelistAddCmd, whitelistCheckCmd, whitelistListCmd)
}
