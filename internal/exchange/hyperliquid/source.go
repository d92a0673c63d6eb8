package hyperliquid

import (
	"context"
	"encoding/json"

	"kirby/internal/collector"
)

// source adapts one wire subscription to the collector's Source contract.
// Connect waits for the shared connection; Subscribe registers the inbox and
// sends the subscribe request.
type source struct {
	wire *Wire
	key  string
	sub  subscription
}

// CandleSource returns the subscription point for one coin's candle stream.
func (w *Wire) CandleSource(coin, interval string) collector.Source {
	return &source{
		wire: w,
		key:  candleKey(coin, interval),
		sub:  subscription{Type: "candle", Coin: coin, Interval: interval},
	}
}

// ContextSource returns the subscription point for one coin's asset-context
// stream (funding, open interest, reference prices).
func (w *Wire) ContextSource(coin string) collector.Source {
	return &source{
		wire: w,
		key:  ctxKey(coin),
		sub:  subscription{Type: "activeAssetCtx", Coin: coin},
	}
}

func (s *source) Connect(ctx context.Context) error {
	return s.wire.awaitReady(ctx)
}

func (s *source) Subscribe(ctx context.Context) (collector.Stream, error) {
	b, err := s.wire.register(s.key, s.sub)
	if err != nil {
		return nil, err
	}
	return &stream{src: s, box: b}, nil
}

// stream reads one inbox. Recv fails when the wire drops, sending the
// collector back through Connect/Subscribe.
type stream struct {
	src *source
	box *inbox
}

func (st *stream) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case raw := <-st.box.ch:
		return raw, nil
	case <-st.box.down:
		return nil, errWireDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Close() error {
	st.src.wire.unregister(st.src.key, st.box)
	return nil
}
