package ingest_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/ingest"
	"procodus.dev/iot-cloud/pkg/logger"
	"procodus.dev/iot-cloud/pkg/mq/mock"
	"procodus.dev/iot-cloud/pkg/routing"
)

var _ = Describe("Consumer", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		client     *mock.MockClient
		deliveries chan amqp.Delivery
		ack        *recordingAcknowledger
		router     *ingest.Router
	)

	// The handler's verdict is chosen by the observation id of the key.
	verdictByID := ingest.HandlerFunc(func(_ context.Context, key routing.Key, _ amqp.Delivery) ingest.Outcome {
		switch key.ObjectID {
		case 1:
			return ingest.Outcome{Verdict: ingest.Ack}
		case 2:
			return ingest.Outcome{Verdict: ingest.RejectRequeue, Reason: ingest.ReasonNoCommand}
		default:
			return ingest.Outcome{Verdict: ingest.Reject, Reason: ingest.ReasonUnknownObject}
		}
	})

	newConsumer := func() *ingest.Consumer {
		c, err := ingest.NewConsumer(&ingest.ConsumerConfig{
			Logger: logger.Discard(),
			Client: client,
			Router: router,
			Queue:  "historian.observations",
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	send := func(tag uint64, key string) {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, RoutingKey: key}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		deliveries = make(chan amqp.Delivery)
		client = mock.NewMockClient()
		client.ConsumeChannel = deliveries
		ack = &recordingAcknowledger{}
		router = ingest.NewRouter().Register(verdictByID, routing.Observation)
	})

	Describe("NewConsumer", func() {
		It("should validate its config", func() {
			_, err := ingest.NewConsumer(nil)
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewConsumer(&ingest.ConsumerConfig{Client: client, Router: router, Queue: "q"})
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewConsumer(&ingest.ConsumerConfig{Logger: logger.Discard(), Router: router, Queue: "q"})
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewConsumer(&ingest.ConsumerConfig{Logger: logger.Discard(), Client: client, Queue: "q"})
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewConsumer(&ingest.ConsumerConfig{Logger: logger.Discard(), Client: client, Router: router})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Start", func() {
		It("should settle each delivery according to its verdict", func() {
			c := newConsumer()
			Expect(c.Start(ctx)).To(Succeed())
			Expect(c.Running()).To(BeTrue())

			send(1, routing.ObservationKey(device, 1))
			send(2, routing.ObservationKey(device, 2))
			send(3, routing.ObservationKey(device, 3))
			send(4, "garbage")

			Eventually(func() int {
				a, r, q := ack.settled()
				return len(a) + len(r) + len(q)
			}).Should(Equal(4))

			acked, rejected, requeued := ack.settled()
			Expect(acked).To(Equal([]uint64{1}))
			Expect(requeued).To(Equal([]uint64{2}))
			Expect(rejected).To(Equal([]uint64{3, 4}))

			cancel()
			Expect(c.Stop()).To(Succeed())
			Expect(c.Running()).To(BeFalse())
		})

		It("should stop when the deliveries channel closes", func() {
			c := newConsumer()
			Expect(c.Start(ctx)).To(Succeed())

			close(deliveries)
			Eventually(c.Running).Should(BeFalse())
			Expect(c.Stop()).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})

		It("should fail when the broker never becomes ready", func() {
			client.WaitReadyError = context.DeadlineExceeded

			c := newConsumer()
			Expect(c.Start(ctx)).To(MatchError(ContainSubstring("not ready")))
			Expect(client.ConsumeCalls).To(BeZero())
		})

		It("should fail when consuming fails", func() {
			client.ConsumeError = errors.New("queue not found")

			c := newConsumer()
			Expect(c.Start(ctx)).To(MatchError(ContainSubstring("queue not found")))
			Expect(c.Running()).To(BeFalse())
		})
	})

	Describe("Stop", func() {
		It("should return without a started consumer", func() {
			c := newConsumer()
			Expect(c.Stop()).To(Succeed())
		})

		It("should report a failure to close the client", func() {
			client.CloseError = errors.New("already closed")

			c := newConsumer()
			Expect(c.Stop()).To(MatchError(ContainSubstring("already closed")))
		})
	})
})
