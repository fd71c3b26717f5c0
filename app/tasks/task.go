package tasks

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeRefreshFeed   TaskType = "refresh_feed"
	TaskTypeDownloadImage TaskType = "download_image"
)

type Task struct {
	ID             string
	Type           TaskType
	SubscriptionID string
	StartedAt      *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetSubscriptionID() string {
	return t.SubscriptionID
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, subscriptionID string) Task {
	return Task{
		ID:             uuid.NewString(),
		Type:           taskType,
		SubscriptionID: subscriptionID,
	}
}
