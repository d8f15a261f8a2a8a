// Package job holds the job descriptor consumed by the connector and the
// sequencer: where to connect, how to authenticate and what to run.
package job

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const DefaultPort = 22

// Descriptor is a validated request to run commands on one host.
// Only one credential form is used; see Credential for the priority.
type Descriptor struct {
	Host           string   `yaml:"host" json:"host" bson:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int      `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty" validate:"lte=65535"`
	Username       string   `yaml:"username" json:"username" bson:"username" validate:"required"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty" bson:"password,omitempty"`
	PrivateKey     string   `yaml:"privateKey,omitempty" json:"privateKey,omitempty" bson:"privateKey,omitempty"`
	PrivateKeyPath string   `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty" bson:"privateKeyPath,omitempty"`
	Passphrase     string   `yaml:"passphrase,omitempty" json:"passphrase,omitempty" bson:"passphrase,omitempty"`
	Commands       []string `yaml:"commands" json:"commands" bson:"commands" validate:"dive,required"`
}

var validate = validator.New()

// Validate checks required fields. An empty command list is legal.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.New("job descriptor is nil")
	}
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid job descriptor: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid job descriptor: %w", err)
	}
	return nil
}

// Normalize applies defaults in place: port falls back to 22 when unset or
// non-positive, host and username are trimmed.
func (d *Descriptor) Normalize() {
	d.Host = strings.TrimSpace(d.Host)
	d.Username = strings.TrimSpace(d.Username)
	if d.Port <= 0 {
		d.Port = DefaultPort
	}
}

// Target renders user@host:port for narration and logs.
func (d *Descriptor) Target() string {
	port := d.Port
	if port <= 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s@%s:%d", d.Username, d.Host, port)
}

// Redacted returns a copy safe to log or persist: no credential material.
func (d Descriptor) Redacted() Descriptor {
	if d.Password != "" {
		d.Password = "***"
	}
	if d.PrivateKey != "" {
		d.PrivateKey = "***"
	}
	if d.Passphrase != "" {
		d.Passphrase = "***"
	}
	d.Commands = append([]string(nil), d.Commands...)
	return d
}
