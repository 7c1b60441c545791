package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
	"github.com/spf13/cobra"
)

func newPreauthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preauth",
		Short: "Sign a /paymaster/preauth body",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req paymasterdomain.PreauthRequest
			if err := readRequest(cmd, &req); err != nil {
				return err
			}
			return printSignature(cmd, paymasterdomain.PreauthSigningString(req))
		},
	}
}

func newSettleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "settle",
		Short: "Sign a /paymaster/settle body",
		RunE: func(cmd *cobra.Command, args []string) error {
			paramsHash, _ := cmd.Flags().GetString("params-hash")
			var req paymasterdomain.SettleRequest
			if err := readRequest(cmd, &req); err != nil {
				return err
			}
			return printSignature(cmd, paymasterdomain.SettleSigningString(paramsHash, req))
		},
	}
	c.Flags().StringP("params-hash", "p", "", "paramsHash of the preauthorized hold")
	return c
}

func newReleaseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "release",
		Short: "Sign a /paymaster/release body",
		RunE: func(cmd *cobra.Command, args []string) error {
			paramsHash, _ := cmd.Flags().GetString("params-hash")
			var req paymasterdomain.ReleaseRequest
			if err := readRequest(cmd, &req); err != nil {
				return err
			}
			return printSignature(cmd, paymasterdomain.ReleaseSigningString(paramsHash, req))
		},
	}
	c.Flags().StringP("params-hash", "p", "", "paramsHash of the preauthorized hold")
	return c
}

func readRequest(cmd *cobra.Command, dst any) error {
	input, _ := cmd.Flags().GetString("input")

	var r io.Reader = cmd.InOrStdin()
	if input != "" && input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func printSignature(cmd *cobra.Command, message string) error {
	secret, _ := cmd.Flags().GetString("secret")
	if strings.TrimSpace(secret) == "" {
		secret = os.Getenv("PAYMASTER_SIGNING_SECRET")
	}
	if strings.TrimSpace(secret) == "" {
		return errors.New("signing secret is required (--secret or PAYMASTER_SIGNING_SECRET)")
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), paymasterdomain.Sign(secret, message))
	return err
}
