// Package gorm is the PostgreSQL implementation of clustering.Store.
//
// Centroids and question embeddings live in pgvector columns. Schema changes
// are applied at startup through gormigrate; the vector column width is
// fixed by Config.EmbeddingDims when the tables are first created.
//
// # Usage
//
//	store, err := gorm.NewStore(ctx, gorm.Config{
//	    DSN:           "postgres://clusterd@localhost/clusterd",
//	    MaxConns:      10,
//	    EmbeddingDims: 384,
//	    LogLevel:      logger.Silent,
//	})
//
// # Testing
//
// Tests that talk to a live server carry the integration build tag and read
// the DSN from CLUSTERD_TEST_DSN:
//
//	CLUSTERD_TEST_DSN=postgres://... go test -tags integration ./internal/db/gorm
package gorm
