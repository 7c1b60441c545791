package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the sign command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sign",
		Short: "Compute X-Signature headers for paymaster requests",
		Long: `sign reads a paymaster request body as JSON and prints the hex
HMAC-SHA256 signature expected in the X-Signature header.

The secret comes from --secret or PAYMASTER_SIGNING_SECRET.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("secret", "s", "", "signing secret (defaults to $PAYMASTER_SIGNING_SECRET)")
	root.PersistentFlags().StringP("input", "i", "-", "request body file, - for stdin")

	root.AddCommand(newPreauthCmd(), newSettleCmd(), newReleaseCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
