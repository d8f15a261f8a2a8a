package connector

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/remoterunner/pkg/job"
)

var errPassphraseRequired = errors.New("private key is encrypted and no passphrase was given")

// authMethods turns the resolved credential into ssh auth methods. It reads
// the key file when one is selected; nothing here touches the network.
func authMethods(cred job.Credential) ([]ssh.AuthMethod, *ConnectError) {
	switch cred.Kind {
	case job.PasswordCredential:
		return passwordAuth(cred.Password), nil

	case job.KeyMaterialCredential:
		signer, err := parseSigner(cred.KeyMaterial, cred.Passphrase)
		if err != nil {
			return nil, &ConnectError{Kind: TransportFailure, Err: err}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case job.KeyFileCredential:
		key, err := os.ReadFile(cred.KeyFile)
		if err != nil {
			return nil, &ConnectError{Kind: KeyUnreadable, Err: err}
		}
		signer, err := parseSigner(key, cred.Passphrase)
		if err != nil {
			return nil, &ConnectError{Kind: TransportFailure, Err: fmt.Errorf("%s: %w", cred.KeyFile, err)}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, &ConnectError{Kind: NoCredential}
	}
}

// passwordAuth also answers keyboard-interactive prompts with the password,
// since many servers disable plain password auth in favour of it.
func passwordAuth(password string) []ssh.AuthMethod {
	answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(answer),
	}
}

func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errPassphraseRequired
	}
	return nil, fmt.Errorf("parse private key: %w", err)
}
