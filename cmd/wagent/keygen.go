package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hmunoz/wagent/pkg/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh base64 encryption key",
	Long: `Prints a random 256-bit key, base64 encoded. Export it as
WAGENT_ENCRYPTION_KEY or set encryption_key in config.yaml before first run;
changing the key later makes existing encrypted rows unreadable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}
