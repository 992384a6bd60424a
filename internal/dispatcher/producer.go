package dispatcher

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Producer appends job ids to the dispatch stream. Only the id travels
// over the wire; workers load the job row themselves and the DB claim
// decides ownership.
type Producer struct {
	r      redis.UniversalClient
	stream string
	maxLen int64
}

func NewProducer(r redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen}
}

func (p *Producer) EnqueueJob(ctx context.Context, jobID int64) error {
	return p.r.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: map[string]any{
			"job_id": strconv.FormatInt(jobID, 10),
		},
	}).Err()
}
