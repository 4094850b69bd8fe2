package sshd

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey reads an ed25519 host key from path, generating and
// persisting a new one (0600) if absent. The host key is the orchestrator's
// long-lived SSH identity (spec §6, "host_key").
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	signer, pemBytes, genErr := generateEd25519Signer()
	if genErr != nil {
		return nil, fmt.Errorf("generate host key: %w", genErr)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write host key %s: %w", path, err)
	}
	return signer, nil
}
