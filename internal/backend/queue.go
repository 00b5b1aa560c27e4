package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// Queue is the Postgres-backed Submitter: it charges the generation and
// queues the render in one statement; the render worker completes the row.
type Queue struct {
	sql     infra.SQLExecutor
	variant domain.Variant
	cost    int
}

func NewQueue(sql infra.SQLExecutor, variant domain.Variant, cost int) *Queue {
	if cost <= 0 {
		cost = 1
	}
	return &Queue{sql: sql, variant: variant, cost: cost}
}

// Job is the queued payload, decoded again by the worker.
type Job struct {
	ID      string
	ImageID string
	UserID  string
	Variant domain.Variant
	Request Request
}

func (q *Queue) Submit(ctx context.Context, req Request) error {
	if req.ImageID == "" || req.UserID == "" {
		return errors.New("queue: submit requires image and user ids")
	}
	req = req.Capped()
	req.Variant = q.variant
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: encode payload: %w", err)
	}
	var jobID string
	var balance int
	row := q.sql.QueryRow(ctx, sqlinline.QEnqueueRender, req.UserID, req.ImageID, string(q.variant), payload, q.cost)
	if err := row.Scan(&jobID, &balance); err != nil {
		if !infra.IsNoRows(err) {
			return fmt.Errorf("queue: enqueue: %w", err)
		}
		if err := q.sql.QueryRow(ctx, sqlinline.QSelectBalance, req.UserID).Scan(&balance); err != nil {
			return fmt.Errorf("queue: read balance: %w", err)
		}
		return &domain.InsufficientCreditsError{Balance: balance}
	}
	return nil
}

// DecodeJob rebuilds a claimed job.
func DecodeJob(id, imageID, userID, variant string, payload []byte) (Job, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Job{}, fmt.Errorf("queue: decode payload: %w", err)
	}
	req.ImageID = imageID
	req.UserID = userID
	return Job{ID: id, ImageID: imageID, UserID: userID, Variant: domain.Variant(variant), Request: req}, nil
}

var _ Submitter = (*Queue)(nil)
