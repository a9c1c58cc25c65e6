package generator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-cloud/pkg/generator"
	"procodus.dev/iot-cloud/pkg/routing"
)

var _ = Describe("Device", func() {
	It("should generate ids usable in routing keys", func() {
		for range 20 {
			d := generator.NewDevice()
			Expect(d).NotTo(BeNil())
			Expect(routing.ValidDeviceID(d.ID)).To(BeTrue(), d.ID)
			Expect(d.Location).NotTo(BeEmpty())
			Expect(d.Status).To(BeElementOf("idle", "heating", "cooling", "maintenance"))
		}
	})

	It("should keep a fixed id", func() {
		Expect(generator.NewDeviceWithID("ABCDEF12").ID).To(Equal("ABCDEF12"))
	})
})

var _ = Describe("SensorModel", func() {
	It("should stay within realistic bounds", func() {
		model := generator.NewSensorModel(generator.NewDevice())
		t := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		for i := range 200 {
			r := model.Next(t.Add(time.Duration(i) * 10 * time.Minute))
			Expect(r.Humidity).To(BeNumerically(">=", 20))
			Expect(r.Humidity).To(BeNumerically("<=", 95))
			Expect(r.Pressure).To(BeNumerically(">=", 975))
			Expect(r.Pressure).To(BeNumerically("<=", 1045))
			Expect(r.Battery).To(BeNumerically(">=", 5))
			Expect(r.Battery).To(BeNumerically("<=", 100))
		}
	})

	It("should key values by observation id", func() {
		r := generator.Reading{Temperature: 21.5, Humidity: 40, Pressure: 1000, Battery: 80}
		Expect(r.Values()).To(HaveKeyWithValue(generator.ObservationTemperature, 21.5))
		Expect(r.Values()).To(HaveLen(4))
	})
})
