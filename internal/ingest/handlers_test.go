package ingest_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/ingest"
	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/logger"
	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/routing"
)

const device = "ABCDEF12"

var _ = Describe("Handlers", func() {
	var (
		ctx         context.Context
		dir         *fakeDirectory
		commands    *fakeCommands
		values      *fakeValues
		invalidator *fakeInvalidator
		sink        *recordingSink
		aggregator  *stats.Aggregator
		cache       *pulse.MemoryCache
		history     *recordingHistory
		router      *ingest.Router
	)

	deliver := func(key, body string) amqp.Delivery {
		return amqp.Delivery{RoutingKey: key, Body: []byte(body)}
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir = &fakeDirectory{
			devices: map[string]metadata.Device{
				device:     {ID: device, TemplateID: 1},
				"DEADBEEF": {ID: "DEADBEEF", TemplateID: 99},
			},
			templates: map[int64]metadata.Template{
				1: {
					ID: 1,
					Observations: map[int64]metadata.Observation{
						1: {ID: 1, Type: metadata.ValueNumeric, HistorianMode: metadata.HistorianStatistics,
							Statistics: stats.Config{Mode: stats.ModeTimeRange, Step: 60}},
						2: {ID: 2, Type: metadata.ValueText},
					},
					Commands:           map[int64]bool{5: true},
					Pulses:             map[int64]metadata.Pulse{3: {ID: 3, MaximumAbsence: 10 * time.Minute}},
					DevicePulseAbsence: 5 * time.Minute,
				},
			},
		}
		commands = &fakeCommands{updated: true}
		values = newFakeValues()
		invalidator = &fakeInvalidator{}
		sink = &recordingSink{}
		history = &recordingHistory{}
		cache = pulse.NewMemoryCache()

		var err error
		aggregator, err = stats.NewAggregator(&stats.AggregatorConfig{Logger: logger.Discard(), Sink: sink})
		Expect(err).NotTo(HaveOccurred())
		tracker, err := pulse.NewTracker(&pulse.TrackerConfig{Logger: logger.Discard(), Cache: cache, History: history})
		Expect(err).NotTo(HaveOccurred())

		h, err := ingest.NewHandlers(&ingest.HandlersConfig{
			Logger:        logger.Discard(),
			Directory:     dir,
			Commands:      commands,
			CurrentValues: values,
			Statistics:    aggregator,
			Pulses:        tracker,
			Invalidator:   invalidator,
			Now:           func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		router = h.Router()
	})

	Describe("NewHandlers", func() {
		It("should validate its config", func() {
			_, err := ingest.NewHandlers(nil)
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewHandlers(&ingest.HandlersConfig{Directory: dir})
			Expect(err).To(HaveOccurred())

			_, err = ingest.NewHandlers(&ingest.HandlersConfig{Logger: logger.Discard()})
			Expect(err).To(HaveOccurred())
		})

		It("should only route categories with a configured store", func() {
			h, err := ingest.NewHandlers(&ingest.HandlersConfig{Logger: logger.Discard(), Directory: dir})
			Expect(err).NotTo(HaveOccurred())

			o := h.Router().Route(ctx, deliver(routing.CommandKey(device, 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownCategory))

			o = h.Router().Route(ctx, deliver(routing.SystemNotificationKey(device), `{"kind":"device_updated"}`))
			Expect(o.Verdict).To(Equal(ingest.Ack))
		})
	})

	Describe("Route", func() {
		It("should reject a malformed routing key", func() {
			o := router.Route(ctx, deliver("not-a-key", `{}`))
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonUndecodable))
		})

		It("should route application pulses to the pulse tracker", func() {
			o := router.Route(ctx, deliver(routing.ApplicationPulseKey(device, 3), `{"pulse_id":3,"time":"2024-01-01T10:00:00Z"}`))
			Expect(o.Verdict).To(Equal(ingest.Ack))

			p, err := cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(p).NotTo(BeNil())
		})
	})

	Describe("commands", func() {
		It("should record the command with its origin", func() {
			d := deliver(routing.CommandKey(device, 5),
				`{"command_id":5,"time":"2024-01-01T11:00:00Z","arguments":{"speed":3}}`)
			d.Headers = amqp.Table{
				message.HeaderOriginApplication: "dashboard",
				message.HeaderOriginAccount:     "alice",
			}

			o := router.Route(ctx, d)
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(commands.inserted).To(HaveLen(1))

			rec := commands.inserted[0]
			Expect(rec.DeviceID).To(Equal(device))
			Expect(rec.CommandID).To(Equal(int64(5)))
			Expect(rec.Time).To(BeTemporally("==", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
			Expect(rec.Arguments).To(Equal(`{"speed":3}`))
			Expect(rec.OriginApplication).To(Equal("dashboard"))
			Expect(rec.OriginAccount).To(Equal("alice"))
			Expect(rec.OriginAddress).To(BeEmpty())
		})

		It("should reject a payload id that differs from the routing key", func() {
			o := router.Route(ctx, deliver(routing.CommandKey(device, 5), `{"command_id":6,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonIDMismatch))
			Expect(commands.inserted).To(BeEmpty())
		})

		It("should reject an undeclared command", func() {
			o := router.Route(ctx, deliver(routing.CommandKey(device, 7), `{"command_id":7,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownObject))
		})

		It("should reject an unknown device", func() {
			o := router.Route(ctx, deliver(routing.CommandKey("FFFFFFFF", 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownDevice))
		})

		It("should treat a device with an unknown template as unknown", func() {
			o := router.Route(ctx, deliver(routing.CommandKey("DEADBEEF", 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownDevice))
		})

		It("should reject an undecodable body", func() {
			o := router.Route(ctx, deliver(routing.CommandKey(device, 5), `{"command_id":`))
			Expect(o.Reason).To(Equal(ingest.ReasonUndecodable))
		})

		It("should flag storage failures as retry candidates", func() {
			commands.err = errors.New("connection reset")

			o := router.Route(ctx, deliver(routing.CommandKey(device, 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonStorage))
			Expect(o.Retry).To(BeTrue())
		})

		It("should flag directory failures as retry candidates", func() {
			dir.err = errors.New("connection refused")

			o := router.Route(ctx, deliver(routing.CommandKey(device, 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonStorage))
			Expect(o.Retry).To(BeTrue())
		})
	})

	Describe("command responses", func() {
		body := `{"command_id":5,"time":"2024-01-01T11:00:00Z","response_time":"2024-01-01T11:00:02Z","code":200,"message":"ok"}`

		It("should attach the response to its command", func() {
			o := router.Route(ctx, deliver(routing.CommandResponseKey(device, 5), body))
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(commands.responses).To(HaveLen(1))
			Expect(commands.responses[0].Code).To(Equal(200))
			Expect(commands.responses[0].Message).To(Equal("ok"))
			Expect(commands.responses[0].ResponseTime).To(BeTemporally("==", time.Date(2024, 1, 1, 11, 0, 2, 0, time.UTC)))
		})

		It("should requeue a response to an unrecorded command once", func() {
			commands.updated = false

			o := router.Route(ctx, deliver(routing.CommandResponseKey(device, 5), body))
			Expect(o.Verdict).To(Equal(ingest.RejectRequeue))
			Expect(o.Reason).To(Equal(ingest.ReasonNoCommand))

			d := deliver(routing.CommandResponseKey(device, 5), body)
			d.Redelivered = true
			o = router.Route(ctx, d)
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonNoCommand))
		})

		It("should default the response time to the delivery timestamp", func() {
			d := deliver(routing.CommandResponseKey(device, 5), `{"command_id":5,"time":"2024-01-01T11:00:00Z","code":1}`)
			d.Timestamp = time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC)

			Expect(router.Route(ctx, d).Verdict).To(Equal(ingest.Ack))
			Expect(commands.responses[0].ResponseTime).To(BeTemporally("==", d.Timestamp))
		})
	})

	Describe("observations", func() {
		It("should keep the current value of every observation", func() {
			o := router.Route(ctx, deliver(routing.ObservationKey(device, 2), `{"time":"2024-01-01T11:00:00Z","value": "open" }`))
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(values.values[device][2].Value).To(Equal(`"open"`))
			Expect(sink.flushed).To(BeEmpty())
			_, open := aggregator.Open(stats.Key{DeviceID: device, ObservationID: 2})
			Expect(open).To(BeFalse())
		})

		It("should flush statistics when a sample leaves the window", func() {
			for _, body := range []string{
				`{"time":"2024-01-01T11:00:10Z","value":1}`,
				`{"time":"2024-01-01T11:00:20Z","value":3}`,
				`{"time":"2024-01-01T11:01:05Z","value":10}`,
			} {
				Expect(router.Route(ctx, deliver(routing.ObservationKey(device, 1), body)).Verdict).To(Equal(ingest.Ack))
			}

			Expect(sink.flushed).To(HaveLen(1))
			Expect(sink.flushed[0].Count).To(Equal(int64(2)))
			Expect(sink.flushed[0].Mean).To(Equal(2.0))
			Expect(values.values[device][1].Value).To(Equal("10"))
		})

		It("should reject a sample older than the open bucket", func() {
			Expect(router.Route(ctx, deliver(routing.ObservationKey(device, 1), `{"time":"2024-01-01T11:05:10Z","value":1}`)).Verdict).
				To(Equal(ingest.Ack))

			o := router.Route(ctx, deliver(routing.ObservationKey(device, 1), `{"time":"2024-01-01T11:04:10Z","value":1}`))
			Expect(o.Verdict).To(Equal(ingest.Reject))
			Expect(o.Reason).To(Equal(ingest.ReasonOutOfOrder))
		})

		It("should reject samples too far in the future", func() {
			o := router.Route(ctx, deliver(routing.ObservationKey(device, 1), `{"time":"2024-01-01T13:00:01Z","value":1}`))
			Expect(o.Reason).To(Equal(ingest.ReasonFuture))
			Expect(values.values).To(BeEmpty())
		})

		It("should stamp samples without time with the delivery timestamp", func() {
			d := deliver(routing.ObservationKey(device, 2), `{"value":"x"}`)
			d.Timestamp = time.Date(2024, 1, 1, 11, 59, 0, 0, time.UTC)

			Expect(router.Route(ctx, d).Verdict).To(Equal(ingest.Ack))
			Expect(values.values[device][2].Time).To(BeTemporally("==", d.Timestamp))
		})

		It("should reject an undeclared observation", func() {
			o := router.Route(ctx, deliver(routing.ObservationKey(device, 9), `{"time":"2024-01-01T11:00:00Z","value":1}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownObject))
		})

		It("should reject a non-numeric value of a statistics observation", func() {
			o := router.Route(ctx, deliver(routing.ObservationKey(device, 1), `{"time":"2024-01-01T11:00:00Z","value":"high"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUndecodable))
		})

		It("should accept the sample when the current value cannot be cached", func() {
			values.err = errors.New("redis down")

			o := router.Route(ctx, deliver(routing.ObservationKey(device, 2), `{"time":"2024-01-01T11:00:00Z","value":"x"}`))
			Expect(o.Verdict).To(Equal(ingest.Ack))
		})
	})

	Describe("pulses", func() {
		It("should treat an empty heartbeat as pulse 0 at the delivery time", func() {
			d := deliver(routing.DevicePulseKey(device), "")
			d.Timestamp = time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

			Expect(router.Route(ctx, d).Verdict).To(Equal(ingest.Ack))

			p, err := cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: 0})
			Expect(err).NotTo(HaveOccurred())
			Expect(p).NotTo(BeNil())
			Expect(p.From).To(BeTemporally("==", d.Timestamp))
			Expect(p.MaximumAbsence).To(Equal(5 * time.Minute))
		})

		It("should open, extend and close an application pulse period", func() {
			key := routing.ApplicationPulseKey(device, 3)
			at := func(clock string) string {
				return `{"pulse_id":3,"time":"2024-01-01T` + clock + `Z"}`
			}

			Expect(router.Route(ctx, deliver(key, at("10:00:00"))).Verdict).To(Equal(ingest.Ack))
			p, err := cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Count).To(Equal(int64(1)))
			Expect(p.MaximumAbsence).To(Equal(10 * time.Minute))

			Expect(router.Route(ctx, deliver(key, at("10:05:00"))).Verdict).To(Equal(ingest.Ack))
			p, err = cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Count).To(Equal(int64(2)))
			Expect(p.To).To(BeTemporally("==", time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)))
			Expect(history.periods).To(BeEmpty())

			Expect(router.Route(ctx, deliver(key, at("11:00:00"))).Verdict).To(Equal(ingest.Ack))
			Expect(history.periods).To(HaveLen(1))
			Expect(history.periods[0].PulseID).To(Equal(int64(3)))
			Expect(history.periods[0].Count).To(Equal(int64(2)))
			Expect(history.periods[0].To).To(BeTemporally("==", time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)))

			p, err = cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Count).To(Equal(int64(1)))
			Expect(p.From).To(BeTemporally("==", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
		})

		It("should reject an application pulse without a decodable body", func() {
			for _, body := range []string{"", "garbage"} {
				o := router.Route(ctx, deliver(routing.ApplicationPulseKey(device, 3), body))
				Expect(o.Verdict).To(Equal(ingest.Reject))
				Expect(o.Reason).To(Equal(ingest.ReasonUndecodable))
			}

			for _, id := range []int64{0, 3} {
				p, err := cache.Get(ctx, pulse.Key{DeviceID: device, PulseID: id})
				Expect(err).NotTo(HaveOccurred())
				Expect(p).To(BeNil())
			}
		})

		It("should reject a pulse id that differs from the routing key", func() {
			o := router.Route(ctx, deliver(routing.ApplicationPulseKey(device, 3), `{"pulse_id":4,"time":"2024-01-01T10:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonIDMismatch))

			o = router.Route(ctx, deliver(routing.DevicePulseKey(device), `{"pulse_id":3,"time":"2024-01-01T10:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonIDMismatch))
		})

		It("should reject an undeclared pulse", func() {
			o := router.Route(ctx, deliver(routing.ApplicationPulseKey(device, 4), `{"pulse_id":4,"time":"2024-01-01T10:00:00Z"}`))
			Expect(o.Reason).To(Equal(ingest.ReasonUnknownObject))
		})
	})

	Describe("notifications", func() {
		It("should invalidate the device and its template", func() {
			o := router.Route(ctx, deliver(routing.SystemNotificationKey(device), `{"kind":"template_updated","template_id":1}`))
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(invalidator.devices).To(ConsistOf(device))
			Expect(invalidator.templates).To(ConsistOf(int64(1)))
		})

		It("should drop the current values of a deleted device", func() {
			_, _ = values.Set(ctx, device, 2, historian.CurrentValue{Time: now, Value: `"x"`})

			o := router.Route(ctx, deliver(routing.SystemNotificationKey(device), `{"kind":"device_deleted"}`))
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(values.deleted).To(ConsistOf(device))
			Expect(values.values).NotTo(HaveKey(device))
		})

		It("should acknowledge notifications without payload", func() {
			o := router.Route(ctx, deliver(routing.SystemNotificationKey(device), ""))
			Expect(o.Verdict).To(Equal(ingest.Ack))
			Expect(invalidator.devices).To(ConsistOf(device))
		})
	})
})
