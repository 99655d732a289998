package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"agrisense.dev/soil-monitor/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should fall back to defaults for a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should write JSON records with the standard keys", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Level: slog.LevelInfo, Output: buf})

			log.Info("daily summary sent", "delivered", 3, "failed", 1)

			var entry map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "daily summary sent"))
			Expect(entry).To(HaveKeyWithValue("delivered", float64(3)))
		})

		Context("with a log file", func() {
			It("should write to both the output and the rotated file", func() {
				dir := GinkgoT().TempDir()
				path := filepath.Join(dir, "agrisense.log")
				buf := &bytes.Buffer{}

				log := logger.New(&logger.Config{
					Level:  slog.LevelInfo,
					Output: buf,
					File:   &logger.FileConfig{Path: path, MaxSizeMB: 1},
				})
				log.Warn("delivery failed", "subscriber_id", 7)

				Expect(buf.String()).To(ContainSubstring("delivery failed"))
				data, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(ContainSubstring(`"subscriber_id":7`))
			})

			It("should ignore an empty path", func() {
				buf := &bytes.Buffer{}
				log := logger.New(&logger.Config{Output: buf, File: &logger.FileConfig{}})
				log.Info("hello")
				Expect(buf.String()).To(ContainSubstring("hello"))
			})
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("should parse level strings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("unknown", "verbose", slog.LevelInfo),
		)
	})

	Describe("level filtering", func() {
		It("should drop records below the configured level", func() {
			buf := &bytes.Buffer{}
			log := logger.NewWithLevel(slog.LevelWarn)
			Expect(log).NotTo(BeNil())

			log = logger.New(&logger.Config{Level: slog.LevelWarn, Output: buf})
			log.Info("skipped")
			Expect(strings.TrimSpace(buf.String())).To(BeEmpty())

			log.Error("kept")
			Expect(buf.String()).To(ContainSubstring("kept"))
		})
	})

	Describe("WithContext", func() {
		It("should attach fields to every record", func() {
			buf := &bytes.Buffer{}
			log := logger.WithContext(logger.New(&logger.Config{Output: buf}),
				slog.String("component", "summary"),
			)
			log.Info("run started")

			var entry map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
			Expect(entry).To(HaveKeyWithValue("component", "summary"))
		})
	})
})
