package historian_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/pkg/logger"
)

type discardHistory struct{}

func (discardHistory) WritePeriod(context.Context, pulse.Period) error { return nil }

var _ = Describe("Redis caches", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *redis.Client
		t0     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)

		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
	})

	Describe("NewRedisClient", func() {
		It("should connect to a running server", func() {
			c, err := historian.NewRedisClient(ctx, &historian.RedisConfig{Addr: mr.Addr()})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Close()).To(Succeed())
		})

		It("should require an address", func() {
			_, err := historian.NewRedisClient(ctx, &historian.RedisConfig{})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("CurrentValueCache", func() {
		var cache *historian.CurrentValueCache

		BeforeEach(func() {
			cache = historian.NewCurrentValueCache(client)
		})

		It("should store values as millis and formatted value", func() {
			stored, err := cache.Set(ctx, "ABCDEF12", 3, historian.CurrentValue{Time: t0, Value: "21.5"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(BeTrue())

			Expect(mr.HGet("cv:ABCDEF12", "3")).To(Equal("1704103200000,21.5"))
		})

		It("should keep the newer value", func() {
			_, err := cache.Set(ctx, "ABCDEF12", 3, historian.CurrentValue{Time: t0.Add(time.Minute), Value: "22"})
			Expect(err).NotTo(HaveOccurred())

			stored, err := cache.Set(ctx, "ABCDEF12", 3, historian.CurrentValue{Time: t0, Value: "21"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(BeFalse())

			values, err := cache.Get(ctx, "ABCDEF12")
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveKeyWithValue(int64(3), historian.CurrentValue{Time: t0.Add(time.Minute), Value: "22"}))
		})

		It("should keep commas inside the value", func() {
			_, err := cache.Set(ctx, "ABCDEF12", 4, historian.CurrentValue{Time: t0, Value: "a,b"})
			Expect(err).NotTo(HaveOccurred())

			values, err := cache.Get(ctx, "ABCDEF12")
			Expect(err).NotTo(HaveOccurred())
			Expect(values[4].Value).To(Equal("a,b"))
		})

		It("should skip malformed entries", func() {
			mr.HSet("cv:ABCDEF12", "3", "garbage")
			mr.HSet("cv:ABCDEF12", "x", "1704103200000,1")

			values, err := cache.Get(ctx, "ABCDEF12")
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(BeEmpty())
		})

		It("should delete a device", func() {
			_, err := cache.Set(ctx, "ABCDEF12", 3, historian.CurrentValue{Time: t0, Value: "1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.Delete(ctx, "ABCDEF12")).To(Succeed())
			Expect(mr.Exists("cv:ABCDEF12")).To(BeFalse())
		})
	})

	Describe("PulseCache", func() {
		var cache *historian.PulseCache

		BeforeEach(func() {
			cache = historian.NewPulseCache(client)
		})

		It("should return nil for a missing period", func() {
			p, err := cache.Get(ctx, pulse.Key{DeviceID: "ABCDEF12", PulseID: 0})
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("should round-trip the open period as JSON", func() {
			period := pulse.Period{DeviceID: "ABCDEF12", PulseID: 2, From: t0, To: t0.Add(time.Minute), Count: 3}
			Expect(cache.Put(ctx, period)).To(Succeed())

			Expect(mr.HGet("pulse:ABCDEF12", "2")).To(MatchJSON(
				`{"From":"2024-01-01T10:00:00Z","To":"2024-01-01T10:01:00Z","Count":3}`))

			p, err := cache.Get(ctx, period.Key())
			Expect(err).NotTo(HaveOccurred())
			Expect(p.From.Equal(t0)).To(BeTrue())
			Expect(p.Count).To(BeEquivalentTo(3))
			Expect(p.PulseID).To(BeEquivalentTo(2))
		})

		It("should back the pulse tracker", func() {
			tracker, err := pulse.NewTracker(&pulse.TrackerConfig{
				Logger: logger.Discard(), Cache: cache, History: &discardHistory{},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = tracker.Observe(ctx, pulse.Event{DeviceID: "ABCDEF12", Time: t0}, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			p, err := tracker.Observe(ctx, pulse.Event{DeviceID: "ABCDEF12", Time: t0.Add(30 * time.Second)}, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Count).To(BeEquivalentTo(2))

			cached, err := cache.Get(ctx, pulse.Key{DeviceID: "ABCDEF12"})
			Expect(err).NotTo(HaveOccurred())
			Expect(cached.To.Equal(t0.Add(30 * time.Second))).To(BeTrue())
		})
	})
})
