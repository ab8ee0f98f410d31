package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/healing-proxy/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create loggers for every level", func() {
			for _, lvl := range []string{"debug", "info", "warn", "error", "invalid"} {
				Expect(logger.New(lvl, false, "dev")).NotTo(BeNil())
			}
		})

		It("should default to info for invalid level", func() {
			log := logger.New("invalid", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeFalse())
		})

		It("should respect warn level", func() {
			log := logger.New("warn", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeTrue())
		})
	})

	Describe("NewWithOptions", func() {
		var buf *bytes.Buffer

		BeforeEach(func() {
			buf = &bytes.Buffer{}
		})

		It("should write JSON with the environment attribute in prod", func() {
			log := logger.NewWithOptions(logger.Options{Level: "info", Environment: "prod", Output: buf})
			log.Info("backend ready", slog.Int("pid", 42))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record["msg"]).To(Equal("backend ready"))
			Expect(record["environment"]).To(Equal("prod"))
			Expect(record["pid"]).To(BeEquivalentTo(42))
		})

		It("should write text outside prod", func() {
			log := logger.NewWithOptions(logger.Options{Level: "debug", Environment: "dev", Output: buf})
			log.Debug("probing")
			Expect(buf.String()).To(ContainSubstring("msg=probing"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})
	})

	Describe("Component", func() {
		It("should tag records with the component name", func() {
			buf := &bytes.Buffer{}
			log := logger.Component(logger.NewWithOptions(logger.Options{Output: buf}), "supervisor")
			log.Info("started")
			Expect(buf.String()).To(ContainSubstring("component=supervisor"))
		})

		It("should fall back to the default logger", func() {
			Expect(logger.Component(nil, "proxy")).NotTo(BeNil())
		})
	})

	Describe("ParseLevel", func() {
		It("should be case-insensitive", func() {
			Expect(logger.ParseLevel("DEBUG")).To(Equal(slog.LevelDebug))
			Expect(logger.ParseLevel("Error")).To(Equal(slog.LevelError))
		})
	})
})
