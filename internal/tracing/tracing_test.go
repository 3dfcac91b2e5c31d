package tracing_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/okian/benchrank/internal/tracing"
	. "github.com/smartystreets/goconvey/convey"
)

func TestNewProvider(t *testing.T) {
	Convey("Given a disabled tracing config", t, func() {
		p, err := tracing.NewProvider(context.Background(), tracing.Config{ServiceName: "benchrank"}, nil)

		Convey("Then a no-op provider is returned", func() {
			So(err, ShouldBeNil)
			So(p.IsEnabled(), ShouldBeFalse)
			So(p.Tracer("x"), ShouldNotBeNil)
			So(p.Shutdown(context.Background()), ShouldBeNil)
		})
	})

	Convey("Given an enabled config without a service name", t, func() {
		_, err := tracing.NewProvider(context.Background(), tracing.Config{Enabled: true, SamplingRate: 0.5}, nil)
		So(errors.Is(err, tracing.ErrMissingServiceName), ShouldBeTrue)
	})

	Convey("Given invalid sampling rates", t, func() {
		for _, rate := range []float64{-0.1, 1.5} {
			_, err := tracing.NewProvider(context.Background(), tracing.Config{Enabled: true, ServiceName: "benchrank", SamplingRate: rate}, nil)
			So(err, ShouldNotBeNil)
		}
	})

	Convey("Given an unknown exporter", t, func() {
		_, err := tracing.NewProvider(context.Background(), tracing.Config{
			Enabled: true, ServiceName: "benchrank", SamplingRate: 1, ExporterType: "zipkin",
		}, nil)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "unsupported exporter type")
	})
}

func TestSpanHelpers(t *testing.T) {
	Convey("Given a recording tracer provider", t, func() {
		rec := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
		otel.SetTracerProvider(tp)
		Reset(func() { _ = tp.Shutdown(context.Background()) })

		Convey("When a database span ends cleanly", func() {
			_, end := tracing.StartDBSpan(context.Background(), "model_ratings", tracing.DBOperationInsert)
			end(nil)

			Convey("Then it is named after the operation and table", func() {
				spans := rec.Ended()
				So(spans, ShouldHaveLength, 1)
				So(spans[0].Name(), ShouldEqual, "insert model_ratings")
				attrs := map[attribute.Key]string{}
				for _, a := range spans[0].Attributes() {
					attrs[a.Key] = a.Value.AsString()
				}
				So(attrs["db.system"], ShouldEqual, "postgresql")
				So(attrs["db.sql.table"], ShouldEqual, "model_ratings")
				So(spans[0].Status().Code, ShouldEqual, codes.Unset)
			})
		})

		Convey("When a span ends with an error", func() {
			ctx, end := tracing.StartSpan(context.Background(), "elo.compute", attribute.Int64("epoch", 4))
			tracing.SetAttributes(ctx, attribute.Int("matches", 3))
			end(errors.New("boom"))

			Convey("Then the error is recorded on the span", func() {
				spans := rec.Ended()
				So(spans, ShouldHaveLength, 1)
				So(spans[0].Status().Code, ShouldEqual, codes.Error)
				So(spans[0].Status().Description, ShouldEqual, "boom")
				So(spans[0].Attributes(), ShouldHaveLength, 2)
			})
		})
	})
}
