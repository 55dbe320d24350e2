package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations applies the schema. dims fixes the width of every vector
// column and cannot be changed by a later run.
func runMigrations(db *gorm.DB, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", dims)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension
		{
			ID: "001_pgvector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},

		// Migration 002: clusters, questions, embeddings, mappings
		{
			ID: "002_core_tables",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS question_clusters (
						id UUID PRIMARY KEY,
						representative_text TEXT NOT NULL,
						centroid vector(%d),
						question_count BIGINT NOT NULL DEFAULT 0 CHECK (question_count >= 0),
						is_active BOOLEAN NOT NULL DEFAULT TRUE,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`, dims),
					`CREATE TABLE IF NOT EXISTS user_questions (
						id UUID PRIMARY KEY,
						question_text TEXT NOT NULL,
						normalized_text TEXT NOT NULL,
						cluster_id UUID NOT NULL REFERENCES question_clusters(id),
						similarity_score DOUBLE PRECISION NOT NULL,
						country TEXT NOT NULL DEFAULT '',
						language TEXT NOT NULL DEFAULT '',
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`,
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS question_embeddings (
						question_id UUID PRIMARY KEY REFERENCES user_questions(id) ON DELETE CASCADE,
						embedding vector(%d) NOT NULL,
						model_name TEXT NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`, dims),
					`CREATE TABLE IF NOT EXISTS question_cluster_map (
						id BIGSERIAL PRIMARY KEY,
						question_id UUID NOT NULL REFERENCES user_questions(id) ON DELETE CASCADE,
						cluster_id UUID NOT NULL REFERENCES question_clusters(id),
						similarity_score DOUBLE PRECISION NOT NULL,
						is_current BOOLEAN NOT NULL DEFAULT TRUE,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`,
				}
				for _, sql := range sqls {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("question_cluster_map", "question_embeddings", "user_questions", "question_clusters")
			},
		},

		// Migration 003: lookup indexes
		{
			ID: "003_core_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE INDEX IF NOT EXISTS idx_clusters_active_count
					 ON question_clusters(is_active, question_count DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_questions_cluster_created
					 ON user_questions(cluster_id, created_at DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_questions_created
					 ON user_questions(created_at)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_map_one_current
					 ON question_cluster_map(question_id) WHERE is_current`,
					`CREATE INDEX IF NOT EXISTS idx_map_cluster_current
					 ON question_cluster_map(cluster_id) WHERE is_current`,
					`CREATE INDEX IF NOT EXISTS idx_embeddings_model
					 ON question_embeddings(model_name)`,
				}
				for _, sql := range sqls {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP INDEX IF EXISTS idx_clusters_active_count",
					"DROP INDEX IF EXISTS idx_questions_cluster_created",
					"DROP INDEX IF EXISTS idx_questions_created",
					"DROP INDEX IF EXISTS idx_map_one_current",
					"DROP INDEX IF EXISTS idx_map_cluster_current",
					"DROP INDEX IF EXISTS idx_embeddings_model",
				}
				for _, sql := range sqls {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 004: HNSW index for question search
		{
			ID: "004_embeddings_hnsw",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw
					ON question_embeddings USING hnsw (embedding vector_cosine_ops)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_embeddings_hnsw").Error
			},
		},

		// Migration 005: aggregate statistics
		{
			ID: "005_stats_tables",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS daily_stats (
						stat_date DATE PRIMARY KEY,
						total_questions BIGINT NOT NULL DEFAULT 0,
						new_clusters BIGINT NOT NULL DEFAULT 0,
						existing_cluster_matches BIGINT NOT NULL DEFAULT 0,
						avg_similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`,
					`CREATE TABLE IF NOT EXISTS cluster_stats (
						id BIGSERIAL PRIMARY KEY,
						cluster_id UUID NOT NULL REFERENCES question_clusters(id),
						stat_date DATE NOT NULL,
						question_count BIGINT NOT NULL DEFAULT 0,
						avg_similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
						updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						UNIQUE (cluster_id, stat_date)
					)`,
				}
				for _, sql := range sqls {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cluster_stats", "daily_stats")
			},
		},
	})

	return m.Migrate()
}
