package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillsight/reporthooks/internal/webhook/security"
)

var secretLength int

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a webhook signing secret",
		Long: `Generate a random secret suitable for WEBHOOK_SECRET. The same value
must be configured on the job runner side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := security.GenerateSecret(secretLength)
			if err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}

	cmd.Flags().IntVar(&secretLength, "length", 32, "secret length in bytes")
	return cmd
}
