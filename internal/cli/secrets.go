package cli

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/config"
)

// secretStore is swapped in tests.
var secretStore config.SecretStore = config.NewKeyring()

// NewSecretsCmd creates the secrets command group
func NewSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store credentials in the OS keyring",
		Long: fmt.Sprintf(`Store credentials in the OS keyring so they need not live in config files
or the environment. Known secrets: %s.`, strings.Join(config.KnownSecrets, ", ")),
	}
	cmd.AddCommand(newSecretsSetCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Save a secret, read from --value or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !slices.Contains(config.KnownSecrets, name) {
				return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(config.KnownSecrets, ", "))
			}
			if !cmd.Flags().Changed("value") {
				v, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = v
			}
			if value == "" {
				return fmt.Errorf("secret %s is empty", name)
			}
			if err := secretStore.Set(name, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Saved %s\n", color.GreenString("✓"), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value (read from stdin when omitted)")
	return cmd
}

func readSecret(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
