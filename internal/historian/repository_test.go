package historian_test

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/pulse"
	"procodus.dev/iot-cloud/internal/stats"
	"procodus.dev/iot-cloud/pkg/logger"
)

var _ = Describe("Repository", func() {
	var (
		ctx    context.Context
		mock   sqlmock.Sqlmock
		db     *gorm.DB
		writer *historian.Writer
		repo   *historian.Repository
		t0     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 1, 1, 10, 3, 0, 0, time.UTC)

		sqlDB, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		DeferCleanup(func() { _ = sqlDB.Close() })

		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), historian.GormConfig())
		Expect(err).NotTo(HaveOccurred())

		writer, err = historian.NewWriter(&historian.WriterConfig{Logger: logger.Discard(), Shards: 2})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(writer.Close)

		repo, err = historian.NewRepository(&historian.RepositoryConfig{Logger: logger.Discard(), DB: db, Writer: writer})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("NewRepository", func() {
		It("should require a database", func() {
			_, err := historian.NewRepository(&historian.RepositoryConfig{Logger: logger.Discard()})
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
		})
	})

	Describe("WriteStatistics", func() {
		It("should insert the bucket ignoring duplicates", func() {
			median := 2.0
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "observation_statistics"`) + ".*" + regexp.QuoteMeta(`ON CONFLICT DO NOTHING`)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.WriteStatistics(ctx, stats.Statistics{
				Time: t0, DeviceID: "ABCDEF12", ObservationID: 3, Step: 60,
				Count: 2, Mean: 2, Min: 1, Max: 3, StdDev: 1, Median: &median,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should treat a suppressed duplicate as success", func() {
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "observation_statistics"`)).
				WillReturnResult(sqlmock.NewResult(0, 0))

			Expect(repo.WriteStatistics(ctx, stats.Statistics{Time: t0, DeviceID: "ABCDEF12", ObservationID: 3})).To(Succeed())
		})

		It("should return storage failures", func() {
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "observation_statistics"`)).
				WillReturnError(errors.New("connection reset"))

			err := repo.WriteStatistics(ctx, stats.Statistics{Time: t0, DeviceID: "ABCDEF12", ObservationID: 3})
			Expect(err).To(MatchError(ContainSubstring("connection reset")))
		})
	})

	Describe("WritePeriod", func() {
		It("should insert the closed period", func() {
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "pulse_history"`)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.WritePeriod(ctx, pulse.Period{
				DeviceID: "ABCDEF12", PulseID: 0, From: t0, To: t0.Add(2 * time.Minute),
				Count: 4, MaximumAbsence: 5 * time.Minute,
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("InsertCommand", func() {
		It("should insert the command", func() {
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "command_history"`)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.InsertCommand(ctx, &historian.CommandRecord{
				Time: t0, DeviceID: "ABCDEF12", CommandID: 5,
				Arguments: `{"on":true}`, OriginApplication: "42",
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should refuse arguments that are not JSON", func() {
			err := repo.InsertCommand(ctx, &historian.CommandRecord{Time: t0, DeviceID: "ABCDEF12", CommandID: 5, Arguments: "{"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("UpdateCommandResponse", func() {
		response := func() historian.CommandResponse {
			return historian.CommandResponse{
				Time: t0, ResponseTime: t0.Add(time.Second), DeviceID: "ABCDEF12", CommandID: 5, Code: 200,
			}
		}

		It("should report a matched row", func() {
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE "command_history" SET`)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			updated, err := repo.UpdateCommandResponse(ctx, response())
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(BeTrue())
		})

		It("should report when no command matched", func() {
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE "command_history" SET`)).
				WillReturnResult(sqlmock.NewResult(0, 0))

			updated, err := repo.UpdateCommandResponse(ctx, response())
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(BeFalse())
		})
	})
})
