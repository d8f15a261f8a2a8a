package connector

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/remoterunner/internal/remote"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/internal/sshtest"
	"github.com/andrej220/remoterunner/pkg/job"
)

func countingConnector(t *testing.T, out *bytes.Buffer) (*Connector, *int) {
	t.Helper()
	c := New(Options{Sink: sink.NewWriter(out)})
	calls := 0
	c.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		calls++
		return nil, errors.New("dial should not be reached")
	}
	return c, &calls
}

func TestConnect_NoCredentialFailsBeforeNetwork(t *testing.T) {
	var out bytes.Buffer
	c, calls := countingConnector(t, &out)

	_, err := c.Connect(context.Background(), job.Descriptor{Host: "example.com", Username: "u", Commands: []string{"ls"}})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, Retryable(err))
	assert.Equal(t, 0, *calls)
	assert.Contains(t, out.String(), "no authentication method specified")
	assert.NotContains(t, out.String(), "Connecting to")
}

func TestConnect_MissingHostOrUserFailsBeforeNetwork(t *testing.T) {
	tests := map[string]job.Descriptor{
		"empty host":     {Username: "u", Password: "p"},
		"blank host":     {Host: "   ", Username: "u", Password: "p"},
		"empty username": {Host: "example.com", Password: "p"},
	}
	for name, d := range tests {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			c, calls := countingConnector(t, &out)

			_, err := c.Connect(context.Background(), d)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTarget)
			assert.False(t, Retryable(err))
			assert.Equal(t, 0, *calls)
			assert.NotContains(t, out.String(), "Connecting to")
		})
	}
}

func TestConnect_KeyFileUnreadable(t *testing.T) {
	var out bytes.Buffer
	c, calls := countingConnector(t, &out)

	d := job.Descriptor{
		Host:           "example.com",
		Username:       "u",
		PrivateKeyPath: filepath.Join(t.TempDir(), "missing_key"),
		Commands:       []string{"ls"},
	}
	_, err := c.Connect(context.Background(), d)
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KeyUnreadable, ce.Kind)
	assert.ErrorIs(t, err, ErrKeyUnreadable)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "u@example.com:22", ce.Target)
	assert.Equal(t, 0, *calls)
}

func TestConnect_MalformedKeyIsTransportFailure(t *testing.T) {
	var out bytes.Buffer
	c, calls := countingConnector(t, &out)

	d := job.Descriptor{Host: "example.com", Username: "u", PrivateKey: "not a key", Commands: []string{"ls"}}
	_, err := c.Connect(context.Background(), d)

	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, *calls)
}

func TestConnect_EncryptedKeyWithoutPassphrase(t *testing.T) {
	_, pemBytes := sshtest.GenerateKey(t, "secret")
	var out bytes.Buffer
	c, _ := countingConnector(t, &out)

	d := job.Descriptor{Host: "example.com", Username: "u", PrivateKey: string(pemBytes), Commands: []string{"ls"}}
	_, err := c.Connect(context.Background(), d)

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, errPassphraseRequired)
}

func TestConnect_Password(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithPassword("deploy", "hunter2"))
	var out bytes.Buffer
	c := New(Options{Sink: sink.NewWriter(&out), DialTimeout: 5 * time.Second})

	s, err := c.Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "deploy", Password: "hunter2", Commands: []string{"ls"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "deploy@127.0.0.1:"+itoa(srv.Port), s.Target())
	assert.Contains(t, out.String(), "[remote-runner] Connecting to deploy@127.0.0.1:")
	assert.Contains(t, out.String(), "✓ Connected successfully!")
	assert.Equal(t, 1, srv.Connections())
}

func TestConnect_PasswordTakesPriorityOverKey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithPassword("deploy", "hunter2"))
	c := New(Options{})

	s, err := c.Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "deploy",
		Password: "hunter2", PrivateKey: "garbage that would fail to parse",
		Commands: []string{"ls"},
	})
	require.NoError(t, err)
	_ = s.Close()
}

func TestConnect_KeyMaterialAndKeyFile(t *testing.T) {
	pub, pemBytes := sshtest.GenerateKey(t, "")
	srv := sshtest.Start(t, sshtest.WithAuthorizedKey("deploy", pub))
	c := New(Options{})

	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pemBytes, 0o600))

	tests := []struct {
		name string
		d    job.Descriptor
	}{
		{"material", job.Descriptor{PrivateKey: string(pemBytes)}},
		{"file", job.Descriptor{PrivateKeyPath: keyFile}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			d.Host, d.Port, d.Username, d.Commands = srv.Host, srv.Port, "deploy", []string{"ls"}
			s, err := c.Connect(context.Background(), d)
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

func TestConnect_EncryptedKeyWithPassphrase(t *testing.T) {
	pub, pemBytes := sshtest.GenerateKey(t, "secret")
	srv := sshtest.Start(t, sshtest.WithAuthorizedKey("deploy", pub))

	s, err := New(Options{}).Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "deploy",
		PrivateKey: string(pemBytes), Passphrase: "secret", Commands: []string{"ls"},
	})
	require.NoError(t, err)
	_ = s.Close()
}

func TestConnect_AuthRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithPassword("deploy", "hunter2"))
	var out bytes.Buffer
	c := New(Options{Sink: sink.NewWriter(&out)})

	_, err := c.Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "deploy", Password: "wrong", Commands: []string{"ls"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, Retryable(err))
	assert.Contains(t, out.String(), "✗ Connection error:")
	assert.NotContains(t, out.String(), "wrong")
}

func TestConnect_Unreachable(t *testing.T) {
	srv := sshtest.Start(t)
	srv.Close()

	_, err := New(Options{DialTimeout: time.Second}).Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "p", Commands: []string{"ls"},
	})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestConnect_ContextCancelled(t *testing.T) {
	srv := sshtest.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{}).Connect(ctx, job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "p", Commands: []string{"ls"},
	})
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnect_KnownHostsMismatch(t *testing.T) {
	srv := sshtest.Start(t)
	other, _ := sshtest.GenerateKey(t, "")
	kh := filepath.Join(t.TempDir(), "known_hosts")
	line := "[" + srv.Host + "]:" + itoa(srv.Port) + " " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(other)))
	require.NoError(t, os.WriteFile(kh, []byte(line+"\n"), 0o600))

	_, err := New(Options{KnownHostsPath: kh}).Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "p", Commands: []string{"ls"},
	})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSession_ClaimCloseAndOpen(t *testing.T) {
	srv := sshtest.Start(t)
	s, err := New(Options{}).Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "p", Commands: []string{"ls"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Claim())
	assert.ErrorIs(t, s.Claim(), remote.ErrSessionClaimed)

	ch, err := s.OpenChannel()
	require.NoError(t, err)
	_ = ch.Close()

	first := s.Close()
	assert.Equal(t, first, s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	_, err = s.OpenChannel()
	assert.ErrorIs(t, err, remote.ErrSessionClosed)
}

func TestSession_DoneOnConnectionLoss(t *testing.T) {
	srv := sshtest.Start(t)
	s, err := New(Options{}).Connect(context.Background(), job.Descriptor{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "p", Commands: []string{"ls"},
	})
	require.NoError(t, err)
	defer s.Close()

	ch, err := s.OpenChannel()
	require.NoError(t, err)
	require.NoError(t, ch.Start("drop"))
	_ = ch.Wait()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the server dropped the connection")
	}
}

func TestConnectError_Messages(t *testing.T) {
	assert.Equal(t, ErrNoCredential.Error(), (&ConnectError{Kind: NoCredential}).Error())
	e := &ConnectError{Kind: TransportFailure, Target: "u@h:22", Err: errors.New("boom")}
	assert.Equal(t, "connect u@h:22: boom", e.Error())
	assert.False(t, errors.Is(e, ErrNoCredential))
	assert.False(t, Retryable(errors.New("plain")))
	assert.Equal(t, "unknown", Kind(0).String())
}

func itoa(i int) string { return strconv.Itoa(i) }
