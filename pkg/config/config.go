// Package config acquires job descriptors from a file or a MongoDB document.
package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/remoterunner/pkg/config/configstore"
	"github.com/andrej220/remoterunner/pkg/config/filestore"
	"github.com/andrej220/remoterunner/pkg/config/mongostore"
	"github.com/andrej220/remoterunner/pkg/job"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Config combines loading, saving and change notification.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"`
}

func NewStore(ctx context.Context, storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		path := fileCfg.Path
		if path == "" {
			path = job.DefaultFileName
		}
		return filestore.New(path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// LoadDescriptor reads, normalizes and validates the descriptor held by s.
func LoadDescriptor(ctx context.Context, s configstore.ConfigStore) (job.Descriptor, error) {
	var d job.Descriptor
	if err := s.Load(ctx, &d); err != nil {
		return job.Descriptor{}, err
	}
	d.Normalize()
	if err := d.Validate(); err != nil {
		return job.Descriptor{}, err
	}
	return d, nil
}
