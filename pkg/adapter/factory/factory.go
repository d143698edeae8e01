// Package factory builds adapters from a backend type and JSON config.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/adapter/local"
	"github.com/fruitsalade/vfs/pkg/adapter/memory"
	s3adapter "github.com/fruitsalade/vfs/pkg/adapter/s3"
	"github.com/fruitsalade/vfs/pkg/adapter/smb"
	"github.com/fruitsalade/vfs/pkg/adapter/sqlstore"
)

// Types lists the backend type identifiers New accepts.
var Types = []string{"local", "memory", "s3", "smb", "sqlstore"}

// New creates an Adapter from a backend type string and JSON config.
func New(ctx context.Context, backendType string, config json.RawMessage) (adapter.Adapter, error) {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	switch backendType {
	case "local":
		return local.NewFromJSON(config)
	case "memory":
		return memory.NewFromJSON(config)
	case "s3":
		return s3adapter.NewFromJSON(ctx, config)
	case "smb":
		return smb.NewFromJSON(config)
	case "sqlstore", "postgres", "sqlite":
		return newSQL(ctx, backendType, config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// newSQL accepts the driver name as a type shorthand.
func newSQL(ctx context.Context, backendType string, config json.RawMessage) (adapter.Adapter, error) {
	if backendType == "sqlstore" {
		return sqlstore.NewFromJSON(ctx, config)
	}
	var cfg sqlstore.Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("parse sql config: %w", err)
	}
	cfg.Driver = backendType
	return sqlstore.New(ctx, cfg)
}
