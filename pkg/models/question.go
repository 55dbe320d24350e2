// Package models contains domain models for clusterd.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Origin carries optional metadata about where a question came from.
type Origin struct {
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// Question is a single submitted text. Immutable once created, except for
// ClusterID which a merge rewrites.
type Question struct {
	ID              uuid.UUID `json:"id"`
	Text            string    `json:"question_text"`
	NormalizedText  string    `json:"normalized_text"`
	ClusterID       uuid.UUID `json:"cluster_id"`
	SimilarityScore float64   `json:"similarity_score"`
	Country         string    `json:"country,omitempty"`
	Language        string    `json:"language,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Embedding is the vector for one question, tagged with the model identity
// that produced it.
type Embedding struct {
	QuestionID uuid.UUID `json:"question_id"`
	Vector     []float32 `json:"-"`
	ModelName  string    `json:"model_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Mapping is a question-to-cluster assignment. At most one mapping per
// question has IsCurrent set.
type Mapping struct {
	QuestionID      uuid.UUID `json:"question_id"`
	ClusterID       uuid.UUID `json:"cluster_id"`
	SimilarityScore float64   `json:"similarity_score"`
	IsCurrent       bool      `json:"is_current"`
	CreatedAt       time.Time `json:"created_at"`
}

// MemberVector pairs a currently mapped question with its embedding.
type MemberVector struct {
	QuestionID uuid.UUID
	ClusterID  uuid.UUID
	Vector     []float32
}

// SearchHit is one nearest-neighbour result from question search.
type SearchHit struct {
	Question              Question `json:"question"`
	ClusterRepresentative string   `json:"cluster_representative"`
	Similarity            float64  `json:"similarity"`
}
