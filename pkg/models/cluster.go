package models

import (
	"time"

	"github.com/google/uuid"
)

// Cluster is a group of semantically equivalent questions.
// Centroid is the L2-normalized mean of the embeddings of its current members.
type Cluster struct {
	ID                 uuid.UUID `json:"id"`
	RepresentativeText string    `json:"representative_text"`
	Centroid           []float32 `json:"-"`
	MemberCount        int64     `json:"question_count"`
	Active             bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

// Clone returns a copy that shares no slices with c.
func (c Cluster) Clone() Cluster {
	if c.Centroid != nil {
		c.Centroid = append([]float32(nil), c.Centroid...)
	}
	return c
}

// TopCluster is a cluster ranked by total membership.
type TopCluster struct {
	Cluster
	QuestionsToday int64 `json:"questions_today"`
}

// TrendingCluster is a cluster ranked by activity within a period.
type TrendingCluster struct {
	Cluster
	PeriodCount int64 `json:"period_count"`
}

// TrendingResult is the answer to a period ranking query.
type TrendingResult struct {
	Days     int               `json:"days"`
	Clusters []TrendingCluster `json:"clusters"`
}

// ClusterDetail is a cluster plus its recent per-day statistics.
type ClusterDetail struct {
	Cluster Cluster       `json:"cluster"`
	Stats   []ClusterStat `json:"stats"`
}

// Page describes a window into an ordered result set.
type Page struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// ClusterQuestions is a page of questions owned by a cluster.
type ClusterQuestions struct {
	Cluster    Cluster    `json:"cluster"`
	Questions  []Question `json:"questions"`
	Pagination Page       `json:"pagination"`
}

// DuplicatePair is two active clusters whose centroids are close enough to
// be merge candidates. Source is the smaller of the two.
type DuplicatePair struct {
	Source     Cluster `json:"source"`
	Target     Cluster `json:"target"`
	Similarity float64 `json:"similarity"`
}

// SubmitResult explains the outcome of a single submission.
type SubmitResult struct {
	Question   Question `json:"question"`
	Cluster    Cluster  `json:"cluster"`
	IsNew      bool     `json:"is_new_cluster"`
	Similarity float64  `json:"similarity"`
	Threshold  float64  `json:"threshold"`
}

// MergeResult summarises a completed merge.
type MergeResult struct {
	SourceID          uuid.UUID `json:"source_id"`
	TargetID          uuid.UUID `json:"target_id"`
	MovedQuestions    int64     `json:"moved_questions"`
	TargetMemberCount int64     `json:"target_question_count"`
}
