package search

import (
	"math"
	"time"
)

// Ranking weights, summing to 1.
const (
	weightSimilarity = 0.80
	weightComments   = 0.12
	weightRecency    = 0.05
	weightState      = 0.03

	// commentCap is where more comments stop helping.
	commentCap = 80

	// recencyBaseDays is the exponential decay constant: an issue
	// untouched for 30 days scores ~0.37 on recency, 60 days ~0.14.
	recencyBaseDays = 30

	// similarityAnchor rescales cosine similarity: perfect matches
	// top out around this value in practice, so it maps to 1.0.
	similarityAnchor = 0.65

	openStateMultiplier   = 1.0
	closedStateMultiplier = 0.8
)

// Score blends vector similarity with metadata signals into [0, 1].
func Score(similarity float64, commentCount int, state string, updatedAt time.Time, now time.Time) float64 {
	sim := similarity / similarityAnchor
	if sim > 1 {
		sim = 1
	}
	if sim < 0 {
		sim = 0
	}

	comments := math.Min(float64(commentCount), commentCap) / commentCap

	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / recencyBaseDays)

	stateScore := closedStateMultiplier
	if state == "OPEN" {
		stateScore = openStateMultiplier
	}

	score := weightSimilarity*sim +
		weightComments*comments +
		weightRecency*recency +
		weightState*stateScore
	return math.Max(0, math.Min(1, score))
}
