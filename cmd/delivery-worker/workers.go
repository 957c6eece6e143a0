package main

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/newsletter-backend/internal/delivery"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
)

// buildWorkers creates count delivery loops that share one queue but lease
// tasks under distinct owners, so a loop can never ack another loop's lease.
func buildWorkers(base delivery.WorkerParams, repo *outbox.Repository, count int) ([]*delivery.Worker, error) {
	if repo == nil {
		return nil, errors.New("outbox repository is required")
	}
	if count <= 0 {
		count = 1
	}
	workers := make([]*delivery.Worker, 0, count)
	for i := 0; i < count; i++ {
		params := base
		params.Queue = repo.WithOwner(fmt.Sprintf("%s-%d", repo.Owner(), i))
		worker, err := delivery.NewWorker(params)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}
