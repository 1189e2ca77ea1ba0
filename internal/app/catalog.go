package app

import (
	"context"
	"fmt"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/catalog/memory"
	"github.com/specialistvlad/seqflow/internal/catalog/mongostore"
	"github.com/specialistvlad/seqflow/internal/catalog/rest"
	"github.com/specialistvlad/seqflow/internal/config"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
)

// openCatalog connects the configured backend. The closer may be nil.
func openCatalog(ctx context.Context, cfg config.Catalog) (catalog.Runtime, func(context.Context) error, error) {
	logger := ctxlog.FromContext(ctx)
	switch cfg.Backend {
	case config.CatalogREST:
		logger.Debug("Using REST catalog.", "api_url", cfg.APIURL)
		return rest.New(ctx, rest.Config{
			BaseURL:      cfg.APIURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			PageSize:     cfg.PageSize,
			Timeout:      cfg.Timeout,
		}), nil, nil
	case config.CatalogMongo:
		logger.Debug("Using MongoDB catalog.", "database", cfg.MongoDB)
		store, disconnect, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return store, disconnect, nil
	case config.CatalogMemory:
		logger.Warn("Using in-memory catalog; nothing is persisted.")
		return memory.New(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.Backend)
}
