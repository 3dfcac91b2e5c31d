package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/benchrank/internal/config"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.Store, convey.ShouldEqual, "memory")
			convey.So(cfg.KFactor, convey.ShouldEqual, 32)
			convey.So(cfg.DefaultRating, convey.ShouldEqual, 1500)
			convey.So(cfg.MaxSkipRatio, convey.ShouldEqual, 0.05)
			convey.So(cfg.RetainSucceededEpochs, convey.ShouldEqual, 5)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then the duration helpers convert units", func() {
			convey.So(cfg.LockStaleAfter(), convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.FailedRetention(), convey.ShouldEqual, 24*time.Hour)
			convey.So(cfg.ScheduleInterval(), convey.ShouldEqual, time.Duration(0))
			convey.So(cfg.ProjectionRefresh(), convey.ShouldEqual, 5*time.Second)
		})

		convey.Convey("Then an empty catalog accepts every model", func() {
			convey.So(cfg.Catalog(), convey.ShouldBeNil)
			cfg.ModelCatalog = " gpt-x , claude-y,,"
			convey.So(cfg.Catalog(), convey.ShouldResemble, []string{"gpt-x", "claude-y"})
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a default config", t, func() {
		cfg := config.New()

		convey.Convey("A postgres store needs a DSN", func() {
			cfg.Store = "postgres"
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
			cfg.PostgresDSN = "postgres://localhost/benchrank"
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Unknown store backends are rejected", func() {
			cfg.Store = "sqlite"
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("The skip ratio is a fraction", func() {
			cfg.MaxSkipRatio = 1.5
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("K must be positive", func() {
			cfg.KFactor = 0
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("The heartbeat must beat faster than the stale limit", func() {
			cfg.HeartbeatIntervalMS = cfg.LockStaleAfterMS
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
			cfg.HeartbeatIntervalMS = cfg.LockStaleAfterMS / 3
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Enabled tracing needs an endpoint", func() {
			cfg.TracingEnabled = true
			convey.So(cfg.Validate(), convey.ShouldNotBeNil)
			cfg.TracingEndpoint = "localhost:4317"
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}
