package models

import (
	"time"

	"github.com/google/uuid"
)

// DailyStat aggregates submissions for one calendar day (UTC).
type DailyStat struct {
	Date                   time.Time `json:"stat_date"`
	TotalQuestions         int64     `json:"total_questions"`
	NewClusters            int64     `json:"new_clusters"`
	ExistingClusterMatches int64     `json:"existing_cluster_matches"`
	AvgSimilarity          float64   `json:"avg_similarity"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Fold rolls one submission into the day's running totals.
func (d *DailyStat) Fold(newCluster bool, similarity float64) {
	d.AvgSimilarity = runningAverage(d.AvgSimilarity, d.TotalQuestions, similarity)
	d.TotalQuestions++
	if newCluster {
		d.NewClusters++
	} else {
		d.ExistingClusterMatches++
	}
}

// ClusterStat aggregates submissions for one cluster on one day.
type ClusterStat struct {
	ClusterID     uuid.UUID `json:"cluster_id"`
	Date          time.Time `json:"stat_date"`
	QuestionCount int64     `json:"question_count"`
	AvgSimilarity float64   `json:"avg_similarity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Fold rolls one submission into the cluster's running totals for the day.
func (c *ClusterStat) Fold(similarity float64) {
	c.AvgSimilarity = runningAverage(c.AvgSimilarity, c.QuestionCount, similarity)
	c.QuestionCount++
}

// GlobalStats is a whole-system projection.
type GlobalStats struct {
	TotalQuestions         int64   `json:"total_questions"`
	TotalClusters          int64   `json:"total_clusters"`
	AvgQuestionsPerCluster float64 `json:"avg_questions_per_cluster"`
	MaxQuestionsInCluster  int64   `json:"max_questions_in_cluster"`
	QuestionsToday         int64   `json:"questions_today"`
	OverallAvgSimilarity   float64 `json:"overall_avg_similarity"`
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func runningAverage(avg float64, n int64, s float64) float64 {
	return (avg*float64(n) + s) / float64(n+1)
}
