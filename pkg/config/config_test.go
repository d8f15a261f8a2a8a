package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/remoterunner/pkg/config"
	"github.com/andrej220/remoterunner/pkg/config/configstore"
	"github.com/andrej220/remoterunner/pkg/config/filestore"
	"github.com/andrej220/remoterunner/pkg/job"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := config.NewStore(ctx, config.FileStore, &config.FileConfig{})
	require.NoError(t, err)
	fs, ok := s.(*filestore.FileStore)
	require.True(t, ok)
	assert.Equal(t, job.DefaultFileName, fs.Path)

	_, err = config.NewStore(ctx, config.FileStore, config.FileConfig{Path: "x"})
	assert.Error(t, err)

	_, err = config.NewStore(ctx, config.MongoStore, &config.FileConfig{})
	assert.Error(t, err)

	_, err = config.NewStore(ctx, config.StoreType(42), nil)
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}

func TestLoadDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    job.Descriptor
		wantErr string
	}{
		{
			name: "json",
			file: ".remote-runner.json",
			content: `{
	"host": "build.example.com",
	"username": "ci",
	"password": "secret",
	"commands": ["make", "make test"]
}`,
			want: job.Descriptor{Host: "build.example.com", Port: 22, Username: "ci", Password: "secret", Commands: []string{"make", "make test"}},
		},
		{
			name:    "yaml with port and key file",
			file:    "job.yaml",
			content: "host: 10.0.0.5\nport: 2222\nusername: deploy\nprivateKeyPath: /keys/id\ncommands:\n  - uptime\n",
			want:    job.Descriptor{Host: "10.0.0.5", Port: 2222, Username: "deploy", PrivateKeyPath: "/keys/id", Commands: []string{"uptime"}},
		},
		{
			name:    "missing host",
			file:    "job.json",
			content: `{"username": "ci", "commands": []}`,
			wantErr: "host",
		},
		{
			name:    "missing username",
			file:    "job.json",
			content: `{"host": "h", "commands": []}`,
			wantErr: "username",
		},
		{
			name:    "malformed",
			file:    "job.json",
			content: `{"host": `,
			wantErr: "parse JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			d, err := config.LoadDescriptor(context.Background(), filestore.New(path))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestLoadDescriptor_NotFound(t *testing.T) {
	_, err := config.LoadDescriptor(context.Background(), filestore.New(filepath.Join(t.TempDir(), "absent.json")))
	assert.ErrorIs(t, err, configstore.ErrNotFound)
}
