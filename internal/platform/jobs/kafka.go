package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"targeting/internal/platform/config"
)

// KafkaQueue is a Queue and Source backed by a Kafka topic. Jobs are keyed by
// selection id so jobs for one selection stay ordered within a partition.
// Offsets are committed only after a job is acked, and never past an earlier
// job of the same partition that is still running, giving at-least-once
// delivery; handlers are idempotent so redelivery is safe.
type KafkaQueue struct {
	client *kgo.Client
	topic  string

	mu      sync.Mutex
	pending []*kgo.Record

	commitMu sync.Mutex
	tracker  *commitTracker
}

// NewKafkaQueue connects to the configured brokers as a member of the
// consumer group.
func NewKafkaQueue(cfg config.Kafka, opts ...kgo.Opt) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	q := &KafkaQueue{topic: cfg.JobsTopic, tracker: newCommitTracker()}
	revoked := func(_ context.Context, _ *kgo.Client, partitions map[string][]int32) {
		q.tracker.forget(partitions)
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.JobsTopic),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.JobsTopic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(revoked),
		kgo.OnPartitionsLost(revoked),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	q.client = client
	return q, nil
}

// EnsureTopic creates the jobs topic if it does not exist.
func (q *KafkaQueue) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(q.client)
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, q.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", q.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	record := &kgo.Record{
		Topic: q.topic,
		Key:   []byte(job.SelectionID.String()),
		Value: payload,
	}
	if err := q.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce job %s: %w", job.ID, err)
	}
	return nil
}

// Receive returns the next job, polling the broker when the local buffer is
// empty. Undecodable records are acked and skipped. Fetch errors are returned
// only when a poll yields no records; the caller may call Receive again.
func (q *KafkaQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if record, ok := q.pop(); ok {
			q.tracker.track(record)
			var job Job
			if err := json.Unmarshal(record.Value, &job); err != nil {
				_ = q.ack(ctx, record)
				continue
			}
			return Delivery{
				Job: job,
				Ack: func(ackCtx context.Context) error {
					return q.ack(ackCtx, record)
				},
			}, nil
		}

		fetches := q.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return Delivery{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
		if errs := fetches.Errors(); len(errs) > 0 && len(records) == 0 {
			return Delivery{}, fmt.Errorf("poll jobs topic %s: %w", errs[0].Topic, errs[0].Err)
		}
		q.push(records)
	}
}

// ack commits up to the newest record whose predecessors on its partition
// have all been acked. Commits are serialized so offsets never move back.
func (q *KafkaQueue) ack(ctx context.Context, record *kgo.Record) error {
	q.commitMu.Lock()
	defer q.commitMu.Unlock()
	next := q.tracker.ack(record)
	if next == nil {
		return nil
	}
	return q.client.CommitRecords(ctx, next)
}

func (q *KafkaQueue) pop() (*kgo.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	r := q.pending[0]
	q.pending = q.pending[1:]
	return r, true
}

func (q *KafkaQueue) push(records []*kgo.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, records...)
}

type topicPartition struct {
	topic     string
	partition int32
}

// commitTracker orders acks per partition. Jobs finish out of order when run
// concurrently; a record becomes committable only once every record delivered
// before it on the same partition is done.
type commitTracker struct {
	mu       sync.Mutex
	inflight map[topicPartition][]*kgo.Record
	done     map[*kgo.Record]struct{}
}

func newCommitTracker() *commitTracker {
	return &commitTracker{
		inflight: make(map[topicPartition][]*kgo.Record),
		done:     make(map[*kgo.Record]struct{}),
	}
}

func (t *commitTracker) track(r *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := topicPartition{r.Topic, r.Partition}
	t.inflight[tp] = append(t.inflight[tp], r)
}

// ack marks r done and returns the newest record now safe to commit, or nil.
func (t *commitTracker) ack(r *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := topicPartition{r.Topic, r.Partition}
	queue, ok := t.inflight[tp]
	if !ok {
		return nil
	}
	t.done[r] = struct{}{}
	var last *kgo.Record
	for len(queue) > 0 {
		if _, ok := t.done[queue[0]]; !ok {
			break
		}
		last = queue[0]
		delete(t.done, queue[0])
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(t.inflight, tp)
	} else {
		t.inflight[tp] = queue
	}
	return last
}

// forget drops partitions this consumer no longer owns; their records will
// be redelivered to the new owner.
func (t *commitTracker) forget(partitions map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, ps := range partitions {
		for _, p := range ps {
			tp := topicPartition{topic, p}
			for _, r := range t.inflight[tp] {
				delete(t.done, r)
			}
			delete(t.inflight, tp)
		}
	}
}

// Close leaves the consumer group and closes the client.
func (q *KafkaQueue) Close() {
	q.client.Close()
}
