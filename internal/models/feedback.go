package models

import "time"

type FeedbackType string

const (
	FeedbackBug         FeedbackType = "bug"
	FeedbackFeature     FeedbackType = "feature"
	FeedbackImprovement FeedbackType = "improvement"
	FeedbackOther       FeedbackType = "other"
)

type FeedbackStatus string

const (
	FeedbackNew       FeedbackStatus = "new"
	FeedbackReviewed  FeedbackStatus = "reviewed"
	FeedbackResolved  FeedbackStatus = "resolved"
	FeedbackDismissed FeedbackStatus = "dismissed"
)

type Feedback struct {
	ID        string         `json:"id"`
	UserID    int64          `json:"user_id"`
	UserEmail *string        `json:"user_email"`
	UserName  *string        `json:"user_name"`
	Type      FeedbackType   `json:"type"`
	Message   string         `json:"message"`
	Page      *string        `json:"page"`
	Status    FeedbackStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
