package rabbit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherConfirmsAndRoutes(t *testing.T) {
	conn, err := amqp.Dial(testutil.StartRabbit(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	pub, err := rabbit.NewPublisher(conn)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "reservation.*", rabbit.Exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, "reservation.cancelled", amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(`{"id":"r-1"}`),
	}))
	// Not bound, so it is confirmed but dropped.
	require.NoError(t, pub.Publish(ctx, "capacity.drift", amqp.Publishing{Body: []byte(`{}`)}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "reservation.cancelled", d.RoutingKey)
		assert.Equal(t, amqp.Persistent, d.DeliveryMode)
		assert.JSONEq(t, `{"id":"r-1"}`, string(d.Body))
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}

func TestConsumerAcksAndDropsPermanentFailures(t *testing.T) {
	conn, err := amqp.Dial(testutil.StartRabbit(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	errPermanent := errors.New("permanent")
	consumer, err := rabbit.NewConsumer(conn, "tro.test.drift", []string{"capacity.*"}, errPermanent, observability.NewLoggerWithLevel("error"))
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	pub, err := rabbit.NewPublisher(conn)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, "capacity.drift", amqp.Publishing{MessageId: "bad", Body: []byte("{")}))
	require.NoError(t, pub.Publish(ctx, "capacity.drift", amqp.Publishing{MessageId: "good", Body: []byte(`{}`)}))
	require.NoError(t, pub.Publish(ctx, "reservation.created", amqp.Publishing{MessageId: "unbound", Body: []byte(`{}`)}))

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	runCtx, stop := context.WithCancel(ctx)
	go func() {
		done <- consumer.Run(runCtx, func(_ context.Context, d amqp.Delivery) error {
			mu.Lock()
			seen = append(seen, d.MessageId)
			mu.Unlock()
			if d.MessageId == "bad" {
				return errPermanent
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 10*time.Second, 50*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bad", "good"}, seen)
}
