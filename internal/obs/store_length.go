// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartStoreSampler periodically samples the submission queue length and the
// count of job records per status, updating gauges for scraping.
func StartStoreSampler(ctx context.Context, cfg *config.Config, rdb redis.Cmdable, log *zap.Logger) {
	interval := 2 * time.Second

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleOnce(ctx, cfg, rdb, log)
			}
		}
	}()
}

func sampleOnce(ctx context.Context, cfg *config.Config, rdb redis.Cmdable, log *zap.Logger) {
	n, err := rdb.LLen(ctx, cfg.Dispatch.SubmissionQueueKey).Result()
	if err != nil {
		log.Debug("submission queue length poll error", Err(err))
	} else {
		SubmissionQueueLength.Set(float64(n))
	}

	counts := map[string]int{}
	iter := rdb.Scan(ctx, 0, "job:*", 200).Iterator()
	for iter.Next(ctx) {
		status, err := rdb.HGet(ctx, iter.Val(), "status").Result()
		if err != nil {
			continue
		}
		counts[status]++
	}
	if err := iter.Err(); err != nil {
		log.Debug("job registry scan error", Err(err))
		return
	}
	for status, count := range counts {
		JobsByStatus.WithLabelValues(status).Set(float64(count))
	}
}
