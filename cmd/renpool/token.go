package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/irfndi/renpool/internal/auth"
	"github.com/spf13/cobra"
)

// KeyEnv holds the hex private key used by the token command when --key is not set
const KeyEnv = "RENPOOL_PRIVATE_KEY"

var tokenFlags = struct {
	key string
}{}

// newNonce returns a random hex nonce for a single sign-in token
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// signBearer signs a fresh token for the account of keyHex
func signBearer(keyHex string, at time.Time) (string, string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", "", fmt.Errorf("invalid private key: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return "", "", err
	}
	token, err := auth.SignToken(key, nonce, at)
	if err != nil {
		return "", "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), token, nil
}

func tokenRun(cmd *cobra.Command, _ []string) error {
	keyHex := tokenFlags.key
	if keyHex == "" {
		keyHex = os.Getenv(KeyEnv)
	}
	if keyHex == "" {
		return errors.New("a private key is required, use --key or " + KeyEnv)
	}
	address, token, err := signBearer(keyHex, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "signed for %s\n", address)
	fmt.Fprintf(cmd.OutOrStdout(), "Bearer %s\n", token)
	return nil
}

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the API",
		RunE:  tokenRun,
		// signing needs no service configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
	cmd.Flags().StringVar(&tokenFlags.key, "key", "", "hex encoded private key (default $"+KeyEnv+")")
	return cmd
}
