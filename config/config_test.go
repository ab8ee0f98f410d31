package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/healing-proxy/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	writeConfig := func(content string) string {
		path := filepath.Join(tempDir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	Describe("Load", func() {
		Context("with valid config file", func() {
			var path string

			BeforeEach(func() {
				path = writeConfig(`
server:
  address: ":8000"
  admin_address: "127.0.0.1:9090"
  environment: "prod"

backend:
  manifest: "./site/wave.config.json"
  port: 9191

startup:
  timeout: "3s"
  poll_interval: "50ms"
  breaker_threshold: 2

proxy:
  on_forward_failure: "exit"

logging:
  level: "debug"
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())
			})

			It("should parse server settings", func() {
				cfg, _ := config.Load(path)
				Expect(cfg.Server.Address).To(Equal(":8000"))
				Expect(cfg.Server.AdminAddress).To(Equal("127.0.0.1:9090"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvProd))
			})

			It("should parse backend and startup settings", func() {
				cfg, _ := config.Load(path)
				Expect(cfg.Backend.Manifest).To(Equal("./site/wave.config.json"))
				Expect(cfg.Backend.Port).To(Equal(9191))
				Expect(config.Duration(cfg.Startup.Timeout)).To(Equal(3 * time.Second))
				Expect(config.Duration(cfg.Startup.PollInterval)).To(Equal(50 * time.Millisecond))
				Expect(cfg.Startup.BreakerThreshold).To(Equal(2))
				Expect(cfg.Proxy.OnForwardFailure).To(Equal(config.PolicyExit))
			})

			It("should keep defaults for keys the file omits", func() {
				cfg, _ := config.Load(path)
				Expect(cfg.Backend.Executable).To(Equal("main"))
				Expect(cfg.Backend.PortEnv).To(Equal("PORT"))
				Expect(cfg.Backend.Host).To(Equal("127.0.0.1"))
				Expect(cfg.Proxy.BufferSize).To(Equal(32 * 1024))
			})
		})

		Context("with environment variables", func() {
			AfterEach(func() {
				os.Unsetenv("PROXY_BACKEND_PORT")
				os.Unsetenv("PROXY_LOGGING_LEVEL")
			})

			It("should override file values", func() {
				path := writeConfig("backend:\n  port: 9000\n")
				os.Setenv("PROXY_BACKEND_PORT", "9500")
				os.Setenv("PROXY_LOGGING_LEVEL", "warn")

				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Port).To(Equal(9500))
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelWarn))
			})
		})

		Context("without a config file", func() {
			var wd string

			BeforeEach(func() {
				var err error
				wd, err = os.Getwd()
				Expect(err).NotTo(HaveOccurred())
				Expect(os.Chdir(tempDir)).To(Succeed())
			})

			AfterEach(func() {
				Expect(os.Chdir(wd)).To(Succeed())
			})

			It("should use defaults", func() {
				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal(":3000"))
				Expect(cfg.Backend.Port).To(Equal(8080))
				Expect(config.Duration(cfg.Startup.Timeout)).To(Equal(10 * time.Second))
				Expect(config.Duration(cfg.Startup.PollInterval)).To(Equal(25 * time.Millisecond))
				Expect(config.Duration(cfg.Proxy.Timeout)).To(BeZero())
				Expect(cfg.Proxy.OnForwardFailure).To(Equal(config.PolicyAbort))
			})
		})

		Context("with invalid values", func() {
			It("should reject an invalid duration", func() {
				_, err := config.Load(writeConfig("startup:\n  timeout: \"soon\"\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should reject a zero poll interval", func() {
				_, err := config.Load(writeConfig("startup:\n  poll_interval: \"0s\"\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should reject an unknown environment", func() {
				_, err := config.Load(writeConfig("server:\n  environment: \"qa\"\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should reject an unknown forwarding failure policy", func() {
				_, err := config.Load(writeConfig("proxy:\n  on_forward_failure: \"retry\"\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should reject an out of range port", func() {
				_, err := config.Load(writeConfig("backend:\n  port: 70000\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should reject a malformed listen address", func() {
				_, err := config.Load(writeConfig("server:\n  address: \"nope:1:2\"\n"))
				Expect(err).To(HaveOccurred())
			})

			It("should fail on an explicit file that does not exist", func() {
				_, err := config.Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Duration", func() {
		It("should return zero for unparsable input", func() {
			Expect(config.Duration("later")).To(BeZero())
		})
	})
})
