package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"secwheel/internal/cli"
)

// =============================================================================
// KEYS - API KEY ADMINISTRATION (admin key required)
// =============================================================================
//
//   secwheel-cli keys create --name ci --roles readonly --expires 720h
//   secwheel-cli keys create --name billing --roles scheduler --owners "billing-*"
//   secwheel-cli keys list
//   secwheel-cli keys revoke <id>
//
// =============================================================================

var (
	keyName    string
	keyRoles   string
	keyOwners  string
	keyExpires string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage daemon API keys",
	Long: `Create, list and revoke API keys on a daemon running with auth
enabled. Every subcommand needs an admin key (--api-key).`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new API key",
	Long: `Generate a new API key. The raw key is printed once and cannot be
recovered later.

Roles: admin, scheduler, readonly (comma-separated).
Owners: optional comma-separated glob patterns limiting which job owners
the key may act for.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := cli.CreateKeyRequest{
			Name:   keyName,
			Roles:  splitList(keyRoles),
			Owners: splitList(keyOwners),
		}
		if keyExpires != "" {
			d, err := parseDuration(keyExpires)
			if err != nil {
				return handleError(fmt.Errorf("--expires: %w", err))
			}
			req.ExpiresIn = d.String()
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		created, err := client.CreateKey(ctx, req)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatCreatedKey(created)
	},
}

var keysListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List API keys",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		keys, err := client.ListKeys(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatKeys(keys)
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.RevokeKey(ctx, args[0]); err != nil {
			if cli.IsNotFound(err) {
				cli.PrintError("no API key with id %s", args[0])
				return err
			}
			return handleError(err)
		}
		formatter.Success("Revoked key %s", args[0])
		return nil
	},
}

func init() {
	flags := keysCreateCmd.Flags()
	flags.StringVar(&keyName, "name", "", "Key name")
	flags.StringVar(&keyRoles, "roles", "", "Comma-separated roles: admin, scheduler, readonly")
	flags.StringVar(&keyOwners, "owners", "", "Comma-separated owner glob patterns")
	flags.StringVar(&keyExpires, "expires", "", "Lifetime, e.g. 720h; empty means no expiry")
	keysCreateCmd.MarkFlagRequired("name")
	keysCreateCmd.MarkFlagRequired("roles")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
