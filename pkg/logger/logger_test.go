package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-cloud/pkg/logger"
)

func decode(buf *bytes.Buffer) map[string]any {
	var entry map[string]any
	Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
	return entry
}

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should fall back to defaults for a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should write JSON with the standard fields", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Level: slog.LevelInfo, Output: buf})

			log.Info("delivery rejected", "routing_key", "ABCDEF12.O.3", "count", 42)

			entry := decode(buf)
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "delivery rejected"))
			Expect(entry).To(HaveKeyWithValue("routing_key", "ABCDEF12.O.3"))
			Expect(entry).To(HaveKeyWithValue("count", float64(42)))
		})

		It("should write key=value pairs with the text format", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Format: logger.FormatText})

			log.Info("consumer started", "queue", "historian.pulses")

			Expect(buf.String()).To(ContainSubstring(`msg="consumer started"`))
			Expect(buf.String()).To(ContainSubstring("queue=historian.pulses"))
		})
	})

	Describe("Level filtering", func() {
		DescribeTable("should respect the configured level",
			func(level slog.Level, logFunc func(*slog.Logger), shouldAppear bool) {
				buf := &bytes.Buffer{}
				logFunc(logger.New(&logger.Config{Level: level, Output: buf}))
				Expect(len(strings.TrimSpace(buf.String())) > 0).To(Equal(shouldAppear))
			},
			Entry("debug logged when level is debug",
				slog.LevelDebug, func(l *slog.Logger) { l.Debug("m") }, true),
			Entry("debug not logged when level is info",
				slog.LevelInfo, func(l *slog.Logger) { l.Debug("m") }, false),
			Entry("warn logged when level is info",
				slog.LevelInfo, func(l *slog.Logger) { l.Warn("m") }, true),
			Entry("info not logged when level is error",
				slog.LevelError, func(l *slog.Logger) { l.Info("m") }, false),
		)
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("invalid defaults to info", "invalid", slog.LevelInfo),
			Entry("empty string defaults to info", "", slog.LevelInfo),
		)
	})

	Describe("ParseFormat", func() {
		It("should only select text for text", func() {
			Expect(logger.ParseFormat("TEXT")).To(Equal(logger.FormatText))
			Expect(logger.ParseFormat("json")).To(Equal(logger.FormatJSON))
			Expect(logger.ParseFormat("")).To(Equal(logger.FormatJSON))
		})
	})

	Describe("Component", func() {
		It("should tag every record with the component", func() {
			buf := &bytes.Buffer{}
			log := logger.Component(logger.New(&logger.Config{Output: buf}), "topology")

			log.Info("device topology created")

			Expect(decode(buf)).To(HaveKeyWithValue("component", "topology"))
		})
	})

	Describe("WithContext", func() {
		It("should add context fields to log messages", func() {
			buf := &bytes.Buffer{}
			log := logger.WithContext(logger.New(&logger.Config{Output: buf}),
				slog.String("device_id", "ABCDEF12"),
				slog.Int64("template_id", 7),
			)
			log.Info("provisioned")

			entry := decode(buf)
			Expect(entry).To(HaveKeyWithValue("device_id", "ABCDEF12"))
			Expect(entry).To(HaveKeyWithValue("template_id", float64(7)))
		})
	})

	Describe("DefaultConfig", func() {
		It("should default to JSON at info level without source", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.AddSource).To(BeFalse())
		})
	})
})
