package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When creating a manager with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then collectors are registered under the namespace", func() {
				So(m, ShouldNotBeNil)
				m.runsTotal.WithLabelValues("succeeded").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["test_unit_runs_total"], ShouldBeTrue)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		before := testutil.ToFloat64(globalManager.runsTotal.WithLabelValues("busy"))
		RecordRun("busy")
		So(testutil.ToFloat64(globalManager.runsTotal.WithLabelValues("busy")), ShouldEqual, before+1)

		skippedBefore := testutil.ToFloat64(globalManager.signalsSkipped)
		RecordSignals(100, 2)
		So(testutil.ToFloat64(globalManager.signalsSkipped), ShouldEqual, skippedBefore+2)

		UpdatePublishedEpoch(7, 1700000000)
		So(testutil.ToFloat64(globalManager.publishedEpoch), ShouldEqual, 7)

		UpdateProjectionEntries("model_elo", 12)
		So(testutil.ToFloat64(globalManager.projectionEntries.WithLabelValues("model_elo")), ShouldEqual, 12)

		So(func() {
			RecordRunDuration(12)
			RecordPhaseDuration("persist", 3)
			RecordMatchesProcessed(5)
			UpdateRatedModels(3)
			RecordLockAcquire("acquired")
			RecordStaleLockCleared()
			RecordEpochEvent("ok")
			RecordStoreLatency("list_matches", 1)
			UpdateGCQueueSize(1)
			UpdateGCQueueCapacity(10)
			RecordGCEnqueue()
			RecordGCEnqueueError("full")
			RecordEpochPruned(2)
			RecordPruneFailure()
			UpdateGCWorkerCount(2)
			RecordHTTPRequest("rankings", "GET", "200")
			RecordHTTPRequestDuration("rankings", "GET", "200", 1)
			RecordErrorByEndpoint("rankings", "GET", "not_found")
			RecordErrorByComponent("api", "bad_request")
			UpdateSystemMemoryUsage(1024)
			UpdateSystemGoroutineCount(10)
			RecordSystemGCPauseTime(0.2)
		}, ShouldNotPanic)

		So(GetRegistry(), ShouldEqual, customRegistry)
	})
}
