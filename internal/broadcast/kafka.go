package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"matchcore/internal/event"
	"matchcore/internal/infra"

	"github.com/segmentio/kafka-go"
)

// ExportSink streams executed trades and order updates to Kafka for
// downstream consumers (settlement, analytics). A circuit breaker
// sheds exports while the broker is down so the bus group never backs
// up behind a dead broker.
type ExportSink struct {
	trades  *kafka.Writer
	orders  *kafka.Writer
	breaker *infra.CircuitBreaker

	exported uint64
	shed     uint64
}

// NewExportSink creates writers for the trade and order topics.
func NewExportSink(brokers []string, tradeTopic, orderTopic string) *ExportSink {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	return &ExportSink{
		trades:  newWriter(tradeTopic),
		orders:  newWriter(orderTopic),
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("kafka-export")),
	}
}

// Run consumes the bus group until the channel closes or the context
// is canceled.
func (s *ExportSink) Run(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.export(ctx, ev)
		}
	}
}

func (s *ExportSink) export(ctx context.Context, ev event.Event) {
	var writer *kafka.Writer
	var key string

	switch e := ev.(type) {
	case event.TradeExecuted:
		writer, key = s.trades, e.Trade.Pair
	case event.OrderUpdated:
		writer, key = s.orders, e.OrderID
	case event.NewOrderAccepted:
		writer, key = s.orders, e.OrderID
	default:
		return
	}

	if !s.breaker.Allow() {
		s.shed++
		return
	}

	value, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("EXPORT_MARSHAL_FAILED", slog.String("err", err.Error()))
		return
	}

	if err := s.write(ctx, writer, key, value); err != nil {
		s.breaker.RecordFailure()
		s.shed++
		slog.Warn("EXPORT_WRITE_FAILED",
			slog.String("topic", writer.Topic),
			slog.String("err", err.Error()))
		return
	}
	s.breaker.RecordSuccess()
	s.exported++
}

// write retries transient failures with exponential backoff before
// giving up on the message.
func (s *ExportSink) write(ctx context.Context, writer *kafka.Writer, key string, value []byte) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(infra.CalculateBackoff(attempt - 1)):
			}
		}
		err = writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: value,
		})
		if err == nil {
			return nil
		}
	}
	return err
}

// Close flushes and closes both writers.
func (s *ExportSink) Close() error {
	if err := s.trades.Close(); err != nil {
		return err
	}
	return s.orders.Close()
}
