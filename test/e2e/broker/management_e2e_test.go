package broker

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/internal/topology"
)

var _ = Describe("Management API E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("Exchanges and queues", func() {
		It("should declare, find and idempotently delete an exchange", func() {
			name := "e2e.mgmt.x"

			Expect(admin.DeclareExchange(ctx, name)).To(Succeed())
			Expect(admin.DeclareExchange(ctx, name)).To(Succeed())

			ok, err := admin.ExchangeExists(ctx, name)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(admin.DeleteExchange(ctx, name)).To(Succeed())
			Expect(admin.DeleteExchange(ctx, name)).To(Succeed())

			ok, err = admin.ExchangeExists(ctx, name)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should declare and delete a queue with an expiry", func() {
			name := "e2e.mgmt.q"

			Expect(admin.DeclareQueue(ctx, name, broker.QueueOptions{ExpiresMillis: 60000})).To(Succeed())

			ok, err := admin.QueueExists(ctx, name)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(admin.DeleteQueue(ctx, name)).To(Succeed())
			Expect(admin.DeleteQueue(ctx, name)).To(Succeed())

			ok, err = admin.QueueExists(ctx, name)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should report a binding to a missing exchange as not found", func() {
			Expect(admin.DeclareQueue(ctx, "e2e.mgmt.orphan", broker.QueueOptions{})).To(Succeed())
			DeferCleanup(func() { _ = admin.DeleteQueue(ctx, "e2e.mgmt.orphan") })

			err := admin.DeclareBinding(ctx, broker.ExchangeToQueue("e2e.mgmt.missing", "e2e.mgmt.orphan", "#"))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, broker.ErrNotFound)).To(BeTrue())
		})
	})

	Context("Bindings", func() {
		const (
			source = "e2e.bind.x"
			queue  = "e2e.bind.q"
		)

		BeforeEach(func() {
			Expect(admin.DeclareExchange(ctx, source)).To(Succeed())
			Expect(admin.DeclareQueue(ctx, queue, broker.QueueOptions{Durable: true})).To(Succeed())
			DeferCleanup(func() {
				_ = admin.DeleteQueue(ctx, queue)
				_ = admin.DeleteExchange(ctx, source)
			})
		})

		It("should list, route through and unbind a binding", func() {
			b := broker.ExchangeToQueue(source, queue, "ABCDEF12.O.*")
			Expect(admin.DeclareBinding(ctx, b)).To(Succeed())
			Expect(admin.DeclareBinding(ctx, broker.ExchangeToQueue(source, queue, "ABCDEF12.C.*"))).To(Succeed())

			bindings, err := admin.ListBindings(ctx, queue, broker.DestinationQueue)
			Expect(err).NotTo(HaveOccurred())
			Expect(bindings).To(HaveLen(2))
			for _, e := range bindings {
				Expect(e.PropertiesKey).NotTo(BeEmpty())
				Expect(e.Source).To(Equal(source))
			}

			Expect(publisher.Publish(ctx, source, "ABCDEF12.O.1", amqp.Publishing{Body: []byte(`{}`)})).To(Succeed())
			Expect(get(queue).RoutingKey).To(Equal("ABCDEF12.O.1"))

			Expect(broker.Unbind(ctx, admin, b)).To(Succeed())

			bindings, err = admin.ListBindings(ctx, queue, broker.DestinationQueue)
			Expect(err).NotTo(HaveOccurred())
			Expect(bindings).To(HaveLen(1))
			Expect(bindings[0].RoutingKey).To(Equal("ABCDEF12.C.*"))
		})

		It("should list exchange-to-exchange bindings by destination", func() {
			Expect(admin.DeclareExchange(ctx, "e2e.bind.dest")).To(Succeed())
			DeferCleanup(func() { _ = admin.DeleteExchange(ctx, "e2e.bind.dest") })

			b := broker.ExchangeToExchange(source, "e2e.bind.dest", "#")
			Expect(admin.DeclareBinding(ctx, b)).To(Succeed())

			bindings, err := admin.ListBindings(ctx, "e2e.bind.dest", broker.DestinationExchange)
			Expect(err).NotTo(HaveOccurred())
			Expect(bindings).To(HaveLen(1))
			Expect(bindings[0].Same(b)).To(BeTrue())
		})

		It("should treat unbinding from a missing queue as done", func() {
			Expect(broker.Unbind(ctx, admin, broker.ExchangeToQueue(source, "e2e.bind.none", "#"))).To(Succeed())
		})
	})

	Context("Accounts", func() {
		It("should create an account that may only use its own entities", func() {
			Expect(admin.DeclareExchange(ctx, "e2e.acct.x")).To(Succeed())
			DeferCleanup(func() {
				_ = admin.DeleteExchange(ctx, "e2e.acct.x")
				_ = admin.DeleteUser(ctx, "e2e-acct")
			})

			creds, err := topology.PutAccount(ctx, admin, topology.Account{
				Name: "e2e-acct",
				Permissions: broker.Permissions{
					Configure: "^$",
					Read:      "^$",
					Write:     "^e2e\\.acct\\.x$",
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(creds.Username).To(Equal("e2e-acct"))
			Expect(creds.Password).NotTo(BeEmpty())

			conn, err := amqp.Dial(urlFor(creds))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			ch, err := conn.Channel()
			Expect(err).NotTo(HaveOccurred())

			// Declaring is a configure operation the account lacks.
			_, err = ch.QueueDeclare("e2e.acct.q", false, true, false, false, nil)
			Expect(err).To(HaveOccurred())
			var amqpErr *amqp.Error
			Expect(errors.As(err, &amqpErr)).To(BeTrue())
			Expect(amqpErr.Code).To(Equal(amqp.AccessRefused))
		})

		It("should delete a missing user without error", func() {
			Expect(admin.DeleteUser(ctx, "e2e-nobody")).To(Succeed())
		})
	})
})
