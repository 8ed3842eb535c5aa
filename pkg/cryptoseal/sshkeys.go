package cryptoseal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SSHKeyPair holds an OpenSSH-encoded Ed25519 keypair ready to store as a
// vault credential.
type SSHKeyPair struct {
	PrivateKeyPEM string
	PublicKey     string
}

// GenerateSSHKeyPair creates a new Ed25519 keypair encoded in OpenSSH
// formats. Comment is embedded in both halves.
func GenerateSSHKeyPair(comment string) (*SSHKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}
	authorized := string(ssh.MarshalAuthorizedKey(sshPub))
	if comment != "" {
		authorized = authorized[:len(authorized)-1] + " " + comment + "\n"
	}
	return &SSHKeyPair{
		PrivateKeyPEM: string(pem.EncodeToMemory(block)),
		PublicKey:     authorized,
	}, nil
}
