package types_test

import (
	"encoding/json"
	"testing"

	"github.com/okian/benchrank/internal/domain/model"
	types "github.com/okian/benchrank/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEntry(t *testing.T) {
	Convey("Given an entry without a score", t, func() {
		entry := types.Entry{Rank: 4, SubjectID: "set-1", SampleSize: 2, EpochID: 9}

		Convey("When it is encoded", func() {
			raw, err := json.Marshal(entry)
			So(err, ShouldBeNil)

			Convey("Then the score is an explicit null", func() {
				So(string(raw), ShouldEqual, `{"rank":4,"subject_id":"set-1","score":null,"sample_size":2,"epoch_id":9}`)
			})
		})
	})

	Convey("Given an entry with a score", t, func() {
		entry := types.Entry{Rank: 1, SubjectID: "gpt-x", Score: model.Float(1512.5), SampleSize: 40, EpochID: 3}
		raw, err := json.Marshal(entry)
		So(err, ShouldBeNil)
		So(string(raw), ShouldContainSubstring, `"score":1512.5`)
	})
}

func TestRunReport(t *testing.T) {
	Convey("Given a failed run report", t, func() {
		report := types.RunReport{Success: false, Error: "concurrent run"}
		raw, err := json.Marshal(report)
		So(err, ShouldBeNil)

		Convey("Then the computation id is omitted and the error is present", func() {
			So(string(raw), ShouldNotContainSubstring, "computation_id")
			So(string(raw), ShouldContainSubstring, `"error":"concurrent run"`)
			So(string(raw), ShouldContainSubstring, `"success":false`)
		})
	})

	Convey("Given a successful run report", t, func() {
		report := types.RunReport{Success: true, MatchesProcessed: 3, ModelsUpdated: 3, NewModelsAdded: 3, ComputationID: 1}
		raw, err := json.Marshal(report)
		So(err, ShouldBeNil)
		So(string(raw), ShouldNotContainSubstring, `"error"`)
		So(string(raw), ShouldContainSubstring, `"computation_id":1`)
	})
}
