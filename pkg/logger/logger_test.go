package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zapcore"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		So(Init(), ShouldBeNil)
		So(Get(), ShouldNotBeNil)
		So(Named("test"), ShouldNotBeNil)
		So(Sync(), ShouldBeNil)
	})
}

func TestLoggerFields(t *testing.T) {
	Convey("Given a logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(InitWith(zapcore.AddSync(&buf)), ShouldBeNil)
		defer func() { _ = Init() }()

		Convey("When logging with structured fields", func() {
			Named("engine").Info(context.Background(), "run finished",
				String("kind", "model_elo"),
				Int("models", 3),
				Error(errors.New("boom")),
			)

			Convey("Then the JSON line carries every field", func() {
				var line map[string]interface{}
				So(json.Unmarshal(buf.Bytes(), &line), ShouldBeNil)
				So(line["msg"], ShouldEqual, "run finished")
				So(line["logger"], ShouldEqual, "engine")
				So(line["kind"], ShouldEqual, "model_elo")
				So(line["models"], ShouldEqual, 3.0)
				So(line["error"], ShouldEqual, "boom")
				So(line["caller"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level is raised to error", func() {
			So(SetLevelString("error"), ShouldBeNil)
			defer func() { _ = SetLevelString("info") }()
			Get().Info(context.Background(), "dropped")

			Convey("Then info lines are dropped", func() {
				So(buf.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level names", t, func() {
		for _, l := range []string{"debug", "info", "", "warn", "warning", "error", " INFO "} {
			So(SetLevelString(l), ShouldBeNil)
		}
		So(SetLevelString("verbose"), ShouldNotBeNil)
		So(SetLevelString("info"), ShouldBeNil)
	})
}

func TestNop(t *testing.T) {
	Convey("Given the nop logger", t, func() {
		l := Nop().Named("x")
		So(func() { l.Warn(context.Background(), "ignored") }, ShouldNotPanic)
	})
}
