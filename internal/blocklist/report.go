package blocklist

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"edgeguard/internal/domain"
	"edgeguard/internal/metrics"
	"edgeguard/internal/store"
)

const DefaultNotifyChannel = "edgeguard:maps:published"

// Recorder persists publish history.
type Recorder interface {
	Record(ctx context.Context, rec *domain.PublishRecord) error
}

// Outcome summarises one publish cycle.
type Outcome struct {
	Map    string        `json:"map"`
	Reason string        `json:"reason"`
	Status string        `json:"status"`
	Keys   []string      `json:"keys"`
	Took   time.Duration `json:"-"`

	RawEntries     int `json:"raw_entries"`
	CarriedEntries int `json:"carried_entries"`
	Rejected       int `json:"rejected"`
	Allowlisted    int `json:"allowlisted"`
	Primary        int `json:"primary"`
	Overflow       int `json:"overflow"`
	Shed           int `json:"shed"`

	// Err is set when the cycle failed or when the store could not be
	// drained after a successful publish.
	Err error `json:"-"`
}

func (o *Outcome) record() *domain.PublishRecord {
	rec := &domain.PublishRecord{
		Map:            o.Map,
		Reason:         o.Reason,
		Status:         o.Status,
		Keys:           domain.KeyList(o.Keys),
		RawEntries:     o.RawEntries,
		CarriedEntries: o.CarriedEntries,
		Rejected:       o.Rejected,
		Primary:        o.Primary,
		Overflow:       o.Overflow,
		Shed:           o.Shed,
		DurationMs:     o.Took.Milliseconds(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// Hooks are the side channels a cycle reports to. Every field is optional.
type Hooks struct {
	Recorder Recorder
	Metrics  *metrics.Metrics
	Notifier store.Notifier
	Channel  string
}

// Report records o in the history, updates metrics and, for a successful
// publish, notifies subscribers. Failures here are logged only.
func (h Hooks) Report(ctx context.Context, o *Outcome, files map[string]int) {
	h.Metrics.ObserveCycle(o.Map, o.Status)
	h.Metrics.AddRejected(o.Map, o.Rejected)

	if o.Status == domain.PublishStatusPublished {
		for file, n := range files {
			h.Metrics.SetEntries(o.Map, file, n)
		}
		h.Metrics.MarkSuccess(o.Map, time.Now())

		if h.Notifier != nil {
			channel := h.Channel
			if channel == "" {
				channel = DefaultNotifyChannel
			}
			if err := h.Notifier.Notify(ctx, channel, o); err != nil {
				log.Warn("Failed to announce map publish", "map", o.Map, "channel", channel, "error", err)
			}
		}
	}

	if h.Recorder != nil && o.Status != domain.PublishStatusSkipped {
		if err := h.Recorder.Record(ctx, o.record()); err != nil {
			log.Warn("Failed to record publish history", "map", o.Map, "error", err)
		}
	}
}
