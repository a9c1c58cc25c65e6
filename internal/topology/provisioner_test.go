package topology_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-cloud/internal/broker/brokertest"
	"procodus.dev/iot-cloud/internal/topology"
	"procodus.dev/iot-cloud/pkg/logger"
	"procodus.dev/iot-cloud/pkg/naming"
)

type fakeRepository struct {
	devices   map[string]topology.Device
	createErr error
	deleteErr error
	deleted   []string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{devices: map[string]topology.Device{}}
}

func (r *fakeRepository) CreateDevice(_ context.Context, d topology.Device) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.devices[d.ID] = d
	return nil
}

func (r *fakeRepository) DeleteDevice(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.devices, id)
	return nil
}

var _ = Describe("Provisioner", func() {
	var (
		ctx         context.Context
		admin       *brokertest.Admin
		repo        *fakeRepository
		provisioner *topology.Provisioner
		device      topology.Device
	)

	BeforeEach(func() {
		ctx = context.Background()
		admin = brokertest.New()
		repo = newFakeRepository()
		manager := newManager(admin)
		setupTemplates(ctx, manager, 7)

		var err error
		provisioner, err = topology.NewProvisioner(&topology.ProvisionerConfig{
			Logger:              logger.Discard(),
			Manager:             manager,
			Repository:          repo,
			CompensationTimeout: time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		device = topology.Device{ID: mid, TemplateID: 7, Protocol: naming.ProtocolAMQP}
	})

	It("should require a repository", func() {
		_, err := topology.NewProvisioner(&topology.ProvisionerConfig{
			Logger:  logger.Discard(),
			Manager: newManager(admin),
		})
		Expect(err).To(MatchError(ContainSubstring("device repository cannot be nil")))
	})

	It("should store the device and return its credentials", func() {
		creds, err := provisioner.ProvisionDevice(ctx, device)
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.devices).To(HaveKeyWithValue(mid, device))
		Expect(admin.Users).To(HaveKeyWithValue(mid, creds.Password))
	})

	It("should not touch the broker when the record cannot be stored", func() {
		repo.createErr = errors.New("duplicate key")
		calls := len(admin.Calls)

		_, err := provisioner.ProvisionDevice(ctx, device)
		Expect(err).To(MatchError(ContainSubstring("duplicate key")))
		Expect(admin.Calls).To(HaveLen(calls))
	})

	It("should compensate a failed topology creation", func() {
		admin.FailOn("set_permissions", errors.New("permission boom"))

		_, err := provisioner.ProvisionDevice(ctx, device)
		Expect(err).To(MatchError(ContainSubstring("permission boom")))

		Expect(repo.devices).NotTo(HaveKey(mid))
		Expect(repo.deleted).To(ConsistOf(mid))
		Expect(admin.Exchanges).NotTo(HaveKey("d.ABCDEF12"))
		Expect(admin.Queues).NotTo(HaveKey("d.ABCDEF12.q"))
		Expect(admin.Users).NotTo(HaveKey(mid))
	})

	It("should compensate even after the caller's context is canceled", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		Expect(provisioner.Compensate(cctx, mid)).To(Succeed())
		Expect(repo.deleted).To(ConsistOf(mid))
	})

	It("should report both halves of an incomplete compensation", func() {
		topologyErr := errors.New("exchange boom")
		repoErr := errors.New("database gone")
		admin.FailOn("delete_exchange", topologyErr)
		repo.deleteErr = repoErr

		err := provisioner.Compensate(ctx, mid)

		var cerr *topology.CompensationError
		Expect(errors.As(err, &cerr)).To(BeTrue())
		Expect(cerr.DeviceID).To(Equal(mid))
		Expect(errors.Is(err, topologyErr)).To(BeTrue())
		Expect(errors.Is(err, repoErr)).To(BeTrue())
	})

	It("should return the original error when compensation fails", func() {
		admin.FailOn("put_user", errors.New("user boom"))
		repo.deleteErr = errors.New("database gone")

		_, err := provisioner.ProvisionDevice(ctx, device)
		Expect(err).To(MatchError(ContainSubstring("user boom")))

		var cerr *topology.CompensationError
		Expect(errors.As(err, &cerr)).To(BeFalse())
	})

	It("should deprovision topology and record", func() {
		_, err := provisioner.ProvisionDevice(ctx, device)
		Expect(err).NotTo(HaveOccurred())

		Expect(provisioner.DeprovisionDevice(ctx, mid)).To(Succeed())
		Expect(repo.devices).To(BeEmpty())
		Expect(admin.Exchanges).NotTo(HaveKey("d.ABCDEF12"))
	})
})
