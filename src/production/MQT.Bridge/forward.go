package bridge

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
)

const forwardQoS byte = 1

type forwardJob struct {
	target    Link
	direction string
	topic     string
	payload   []byte
}

// forwardPool publishes off the event loop. Jobs are sharded by topic so
// messages of one topic keep their order.
type forwardPool struct {
	queues  []chan forwardJob
	log     *logger.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newForwardPool(workers, queueSize int, log *logger.Logger, m *metrics.Metrics) *forwardPool {
	if workers < 1 {
		workers = 1
	}
	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &forwardPool{
		queues:  make([]chan forwardJob, workers),
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan forwardJob, perWorker)
	}
	return p
}

func (p *forwardPool) start() {
	for _, q := range p.queues {
		p.wg.Add(1)
		go func(q <-chan forwardJob) {
			defer p.wg.Done()
			for job := range q {
				p.publish(job)
			}
		}(q)
	}
}

// submit never blocks; a full shard drops the job
func (p *forwardPool) submit(job forwardJob) bool {
	h := fnv.New32a()
	h.Write([]byte(job.topic))
	q := p.queues[int(h.Sum32()%uint32(len(p.queues)))]

	select {
	case q <- job:
		return true
	default:
		p.metrics.Forwards.WithLabelValues(job.direction, metrics.ResultFailed).Inc()
		p.log.Logger.Error().Str("topic", job.topic).Str("direction", job.direction).Msg("Forward queue full, message dropped")
		return false
	}
}

// stop lets queued jobs drain for up to grace, then aborts the rest
func (p *forwardPool) stop(grace time.Duration) {
	for _, q := range p.queues {
		close(q)
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		p.log.Warn("Forward drain timed out, aborting pending publishes")
		p.cancel()
		<-drained
	}
	p.cancel()
}

func (p *forwardPool) publish(job forwardJob) {
	if err := job.target.Publish(p.ctx, job.topic, job.payload, forwardQoS); err != nil {
		p.metrics.Forwards.WithLabelValues(job.direction, metrics.ResultFailed).Inc()
		p.log.Logger.Error().Err(err).Str("topic", job.topic).Str("direction", job.direction).Msg("Forward failed")
		return
	}
	p.metrics.Forwards.WithLabelValues(job.direction, metrics.ResultOK).Inc()
	p.log.Logger.Debug().Str("topic", job.topic).Str("direction", job.direction).Int("bytes", len(job.payload)).Msg("Forwarded")
}
