package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

// newInspectTokenCmd mints a value suitable for RIVETKIT_INSPECTOR_TOKEN,
// the bearer token internal/inspector checks on every /inspect/* route.
func newInspectTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-token",
		Short: "Generate a random token for RIVETKIT_INSPECTOR_TOKEN",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := randomToken(32)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func randomToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
