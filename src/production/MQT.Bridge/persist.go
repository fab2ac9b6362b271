package bridge

import (
	"context"
	"time"

	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

const flushTimeout = 30 * time.Second

// persistWriter is the single writer in front of the store. Readings are
// flushed when the batch fills or the window elapses; closing the queue
// flushes what is left.
type persistWriter struct {
	store       interfaces.ReadingRepository
	log         *logger.Logger
	metrics     *metrics.Metrics
	batchSize   int
	batchWindow time.Duration

	queue chan mqtmodels.Reading
	done  chan struct{}
}

func newPersistWriter(store interfaces.ReadingRepository, batchSize int, batchWindow time.Duration, queueSize int, log *logger.Logger, m *metrics.Metrics) *persistWriter {
	return &persistWriter{
		store:       store,
		log:         log,
		metrics:     m,
		batchSize:   batchSize,
		batchWindow: batchWindow,
		queue:       make(chan mqtmodels.Reading, queueSize),
		done:        make(chan struct{}),
	}
}

// enqueue blocks while the queue is full
func (w *persistWriter) enqueue(reading mqtmodels.Reading) {
	w.queue <- reading
}

// close stops intake and waits for every queued reading to be written
func (w *persistWriter) close() {
	close(w.queue)
	<-w.done
}

func (w *persistWriter) run() {
	defer close(w.done)

	batch := make([]mqtmodels.Reading, 0, w.batchSize)
	timer := time.NewTimer(w.batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rd, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rd)
			if len(batch) >= w.batchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.batchWindow)
		}
	}
}

func (w *persistWriter) flush(batch []mqtmodels.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	w.metrics.PersistBatchSize.Observe(float64(len(batch)))

	if len(batch) == 1 {
		w.insertOne(ctx, batch[0])
		return
	}

	stored, err := w.store.InsertReadings(ctx, batch)
	if err == nil {
		w.metrics.ReadingsPersisted.Add(float64(len(stored)))
		w.log.Logger.Debug().Int("batch_size", len(stored)).Msg("Persisted reading batch")
		return
	}

	// one bad row must not take the whole batch down
	w.log.Logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("Batch insert failed, retrying row by row")
	for _, rd := range batch {
		w.insertOne(ctx, rd)
	}
}

func (w *persistWriter) insertOne(ctx context.Context, rd mqtmodels.Reading) {
	stored, err := w.store.InsertReading(ctx, rd)
	if err != nil {
		w.metrics.StorageErrors.Inc()
		w.log.Logger.Error().Err(err).Str("scale_id", rd.ScaleID).Int64("timestamp", rd.Timestamp).Msg("Failed to persist reading")
		return
	}
	w.metrics.ReadingsPersisted.Inc()
	w.log.Logger.Debug().Str("scale_id", stored.ScaleID).Int64("id", stored.ID).Msg("Persisted reading")
}
