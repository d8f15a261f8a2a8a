package job

import "fmt"

// CredentialKind tags which variant of Credential is populated.
type CredentialKind int

const (
	NoCredential CredentialKind = iota
	PasswordCredential
	KeyMaterialCredential
	KeyFileCredential
)

func (k CredentialKind) String() string {
	switch k {
	case PasswordCredential:
		return "password"
	case KeyMaterialCredential:
		return "key-material"
	case KeyFileCredential:
		return "key-file"
	default:
		return "none"
	}
}

// Credential is a tagged union: exactly one of Password, KeyMaterial or
// KeyFile is meaningful, selected by Kind.
type Credential struct {
	Kind        CredentialKind
	Password    string
	KeyMaterial []byte
	KeyFile     string
	Passphrase  string
}

// Credential resolves the single credential to use.
// Priority: password, then in-memory key material, then key file path.
func (d *Descriptor) Credential() Credential {
	switch {
	case d.Password != "":
		return Credential{Kind: PasswordCredential, Password: d.Password}
	case d.PrivateKey != "":
		return Credential{Kind: KeyMaterialCredential, KeyMaterial: []byte(d.PrivateKey), Passphrase: d.Passphrase}
	case d.PrivateKeyPath != "":
		return Credential{Kind: KeyFileCredential, KeyFile: d.PrivateKeyPath, Passphrase: d.Passphrase}
	default:
		return Credential{Kind: NoCredential}
	}
}

// String never prints secrets.
func (c Credential) String() string {
	if c.Kind == KeyFileCredential {
		return fmt.Sprintf("%s(%s)", c.Kind, c.KeyFile)
	}
	return c.Kind.String()
}
