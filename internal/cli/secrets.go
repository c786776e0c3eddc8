package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage plugin secrets",
	Long: `Store secrets for plugins. Values are encrypted for your wallet session
before they are written; only ciphertexts reach the disk.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Encrypt and store a secret (value prompted when omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.session()
	if err != nil {
		return err
	}

	name := args[0]
	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Value for %s: ", name)
		if value, err = readLine(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read value: %w", err)
		}
	}
	if value == "" {
		return fmt.Errorf("secret value cannot be empty")
	}

	encrypted, err := a.vault().Encrypt(cmd.Context(), value, sess.Handle())
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	if err := a.envStore().Put(name, encrypted); err != nil {
		return err
	}

	a.logger.Info().Str("secret", name).Msg("Secret stored")
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", name)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.envStore().Names()
	if err != nil {
		return err
	}

	// secrets handed out at login are usable too
	if sess, err := a.sessionStore().Load(); err == nil {
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			seen[n] = true
		}
		for n := range sess.Secrets {
			if !seen[n] {
				names = append(names, n)
			}
		}
		sort.Strings(names)
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No secrets stored"))
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}
