package store

import (
	"fmt"
	"hash/fnv"
	"time"

	"kirby/internal/model"
)

// Event is a post-commit notification for one durably committed row.
// Events are published synchronously after the transaction commits, so
// subscribers observe them in commit order.
type Event struct {
	Entity   model.Entity
	MarketID int64
	Time     time.Time
	Digest   string
	Payload  interface{} // *model.Candle, *model.FundingRate or *model.OpenInterest
}

// Notifier receives post-commit events. The notification bus implements it;
// Publish must never block the committing writer.
type Notifier interface {
	Publish(Event)
}

// NopNotifier discards events. Used when no live subscribers are wired.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}

func candleEvent(c model.Candle) Event {
	return Event{
		Entity:   model.EntityCandle,
		MarketID: c.MarketID,
		Time:     c.Time,
		Digest:   digest(model.EntityCandle, c.MarketID, c.Time, c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String()),
		Payload:  &c,
	}
}

func fundingEvent(f model.FundingRate) Event {
	return Event{
		Entity:   model.EntityFundingRate,
		MarketID: f.MarketID,
		Time:     f.Time,
		Digest:   digest(model.EntityFundingRate, f.MarketID, f.Time, f.FundingRate.String()),
		Payload:  &f,
	}
}

func openInterestEvent(o model.OpenInterest) Event {
	return Event{
		Entity:   model.EntityOpenInterest,
		MarketID: o.MarketID,
		Time:     o.Time,
		Digest:   digest(model.EntityOpenInterest, o.MarketID, o.Time, o.OpenInterest.String(), o.NotionalValue.String()),
		Payload:  &o,
	}
}

// digest is a cheap content fingerprint carried on events so downstream
// consumers can deduplicate re-deliveries without comparing full payloads.
func digest(entity model.Entity, marketID int64, t time.Time, fields ...string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", entity, marketID, t.Unix())
	for _, f := range fields {
		h.Write([]byte{'|'})
		h.Write([]byte(f))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
