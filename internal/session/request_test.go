package session_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/internal/session"
	"procodus.dev/iot-cloud/pkg/naming"
)

var (
	app    = naming.Owner{ID: "42", Kind: naming.OwnerApplication}
	tenant = naming.Owner{ID: "7", Kind: naming.OwnerTenantUser}
	names  = naming.Session{Exchange: "s.x", Queue: "s.q", Account: "s"}
)

var _ = Describe("Request", func() {
	Describe("Validate", func() {
		DescribeTable("rejects",
			func(owner naming.Owner, r session.Request) {
				Expect(r.Validate(owner)).To(MatchError(session.ErrInvalidRequest))
			},
			Entry("neither scope", app, session.Request{AllObservations: true}),
			Entry("both scopes", app, session.Request{DeviceID: "ABCDEF12", TemplateID: 7, AllObservations: true}),
			Entry("malformed device", app, session.Request{DeviceID: "abc", AllObservations: true}),
			Entry("nothing selected", app, session.Request{TemplateID: 7}),
			Entry("application pulse of an application", app, session.Request{TemplateID: 7, ApplicationPulseIDs: []int64{3}}),
			Entry("reserved application pulse", tenant, session.Request{TemplateID: 7, ApplicationPulseIDs: []int64{0}}),
			Entry("whitelist on a device", app, session.Request{DeviceID: "ABCDEF12", AllObservations: true, Whitelist: []string{"ABCDEF12"}}),
			Entry("malformed whitelist entry", app, session.Request{TemplateID: 7, AllObservations: true, Whitelist: []string{"x"}}),
		)

		It("should accept application pulses of tenant users", func() {
			Expect(session.Request{TemplateID: 7, ApplicationPulseIDs: []int64{3}}.Validate(tenant)).To(Succeed())
		})
	})

	Describe("Bindings", func() {
		It("should use single wildcard keys for everything", func() {
			r := session.Request{TemplateID: 7, AllCommands: true, AllObservations: true, DevicePulse: true}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("t.7.sub", "s.q", "#"),
				broker.ExchangeToExchange("s.x", "t.7.pub", "#"),
			}))
		})

		It("should scope the wildcard to a device", func() {
			r := session.Request{DeviceID: "ABCDEF12", AllCommands: true, AllObservations: true, DevicePulse: true}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("d.ABCDEF12", "s.q", "ABCDEF12.#"),
				broker.ExchangeToExchange("s.x", "d.ABCDEF12", "ABCDEF12.#"),
			}))
		})

		It("should bind the device pulse incoming only", func() {
			r := session.Request{TemplateID: 7, DevicePulse: true}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.P"),
			}))
		})

		It("should bind application pulses outgoing only", func() {
			r := session.Request{TemplateID: 7, ApplicationPulseIDs: []int64{3, 4}}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToExchange("s.x", "t.7.pub", "*.AP.3"),
				broker.ExchangeToExchange("s.x", "t.7.pub", "*.AP.4"),
			}))
		})

		It("should bind all commands both ways", func() {
			r := session.Request{TemplateID: 7, AllCommands: true}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.C.#"),
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.CR.#"),
				broker.ExchangeToExchange("s.x", "t.7.pub", "*.C.#"),
			}))
		})

		It("should bind specific commands per id", func() {
			r := session.Request{DeviceID: "ABCDEF12", CommandIDs: []int64{5}}
			Expect(session.Bindings(names, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("d.ABCDEF12", "s.q", "ABCDEF12.C.5"),
				broker.ExchangeToQueue("d.ABCDEF12", "s.q", "ABCDEF12.CR.5"),
				broker.ExchangeToExchange("s.x", "d.ABCDEF12", "ABCDEF12.C.5"),
			}))
		})

		It("should bind observations incoming only", func() {
			Expect(session.Bindings(names, session.Request{TemplateID: 7, AllObservations: true})).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.O.#"),
			}))
			Expect(session.Bindings(names, session.Request{TemplateID: 7, ObservationIDs: []int64{1, 2}})).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.O.1"),
				broker.ExchangeToQueue("t.7.sub", "s.q", "*.O.2"),
			}))
		})

		It("should route through the whitelist exchange", func() {
			wl := names
			wl.Whitelist = "s.wl"
			r := session.Request{TemplateID: 7, AllCommands: true, AllObservations: true, DevicePulse: true}
			Expect(session.Bindings(wl, r)).To(Equal([]broker.Binding{
				broker.ExchangeToQueue("s.wl", "s.q", "#"),
				broker.ExchangeToExchange("s.x", "s.wl", "#"),
			}))
		})
	})

	It("should build symmetric whitelist bindings", func() {
		Expect(session.WhitelistBindings("s.wl", 7, "ABCDEF12")).To(Equal([]broker.Binding{
			broker.ExchangeToExchange("t.7.sub", "s.wl", "ABCDEF12.#"),
			broker.ExchangeToExchange("s.wl", "t.7.pub", "ABCDEF12.#"),
		}))
	})
})
