package acquisition

import (
	"context"
	"strconv"
	"time"

	"github.com/Qininining/SignalGA/calibration"
	"github.com/Qininining/SignalGA/config"
	"github.com/Qininining/SignalGA/health"
	"github.com/Qininining/SignalGA/metric"
	"github.com/Qininining/SignalGA/output/csv"
	"github.com/Qininining/SignalGA/output/publish"
)

// delivery drains the sample queue into the store and the mirror. It runs
// on a single goroutine, so rows reach the file in queue order.
type delivery struct {
	c       *Coordinator
	store   *csv.Store
	mirror  *publish.Mirror
	key     csv.Key
	output  config.OutputConfig
	metrics *metric.Metrics

	values  [2]float64
	columns [4]string
	failing bool
}

// loop delivers batches until ctx is done, then waits for the decode
// goroutine to return and delivers whatever it left queued.
func (d *delivery) loop(ctx context.Context, decodeDone <-chan struct{}) error {
	q := d.c.queue
	for q.Wait(ctx) {
		d.deliver(q.ReadBatch(d.c.batchSize))
	}

	<-decodeDone
	for {
		batch := q.ReadBatch(d.c.batchSize)
		if len(batch) == 0 {
			break
		}
		d.deliver(batch)
	}
	d.metrics.RecordQueueDepth(q.Size())
	return nil
}

func (d *delivery) deliver(batch []calibration.Sample) {
	for _, s := range batch {
		d.write(s)
		if d.mirror != nil {
			_ = d.mirror.Publish(s)
		}
	}
	if n := len(batch); n > 0 {
		d.c.delivered.Add(int64(n))
		d.c.lastActivity.Store(time.Now().UnixMicro())
	}
	d.metrics.RecordQueueDepth(d.c.queue.Size())
}

// write appends one row. With output disabled the sample is dropped silently.
func (d *delivery) write(s calibration.Sample) {
	if !d.output.Enabled || d.store == nil {
		return
	}

	var err error
	if d.output.FastPath {
		d.values[0], d.values[1] = s.AbsoluteForce, s.RelativeForce
		err = d.store.WriteFixed(d.key, s.TimestampMicros, s.Channel, d.values[:], d.output.Precision)
	} else {
		d.columns[0] = strconv.FormatInt(s.TimestampMicros, 10)
		d.columns[1] = strconv.Itoa(s.Channel)
		d.columns[2] = strconv.FormatFloat(s.AbsoluteForce, 'f', d.output.Precision, 64)
		d.columns[3] = strconv.FormatFloat(s.RelativeForce, 'f', d.output.Precision, 64)
		err = d.store.WriteRow(d.key, d.columns[:])
	}

	switch {
	case err != nil:
		d.c.writeErrors.Add(1)
		if !d.failing {
			d.failing = true
			d.c.monitor.Update("store", health.FromError("store", err))
		}
	case d.failing:
		d.failing = false
		d.c.monitor.UpdateHealthy("store", "writing "+d.key.String())
	}
}

// flushLoop flushes the measurement stream every interval.
func (d *delivery) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Flush(d.key); err != nil {
				d.c.logger.Debug("Periodic flush failed", "stream", d.key.String(), "error", err)
			}
		}
	}
}
