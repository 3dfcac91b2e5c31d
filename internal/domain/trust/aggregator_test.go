package trust_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/trust"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signal(id string, src model.SourceKind, actor string, kind model.EntityKind, target string, w float64) model.ReviewSignal {
	return model.ReviewSignal{
		SignalID: id, SourceKind: src, ActorUserID: actor,
		TargetKind: kind, TargetID: target, Weight: w, OccurredAt: t0,
	}
}

func review(id, actor, prompt string, w float64) model.ReviewSignal {
	return signal(id, model.SourceReview, actor, model.EntityPrompt, prompt, w)
}

func graph() model.EntityGraph {
	g := model.NewEntityGraph()
	g.PromptAuthors["p1"] = "alice"
	g.PromptAuthors["p2"] = "alice"
	g.PromptAuthors["p3"] = "alice"
	g.PromptAuthors["p4"] = "bob"
	g.SetAuthors["s1"] = "carol"
	g.SetMembers["s1"] = []string{"p1", "p2", "p3"}
	g.SetAuthors["s2"] = "dave"
	g.ResponsePrompts["r1"] = "p1"
	return g
}

func find(rows []model.SubjectScore, subject string) (model.SubjectScore, bool) {
	for _, r := range rows {
		if r.SubjectID == subject {
			return r, true
		}
	}
	return model.SubjectScore{}, false
}

func TestAggregator_PromptQuality(t *testing.T) {
	Convey("Given an aggregator with default weights", t, func() {
		agg := trust.New()
		ctx := context.Background()

		Convey("When a review and a comment disagree under neutral trust", func() {
			res, err := agg.Compute(ctx, 1, []model.ReviewSignal{
				review("a", "u1", "p1", 1),
				signal("b", model.SourceComment, "u2", model.EntityPrompt, "p1", -1),
			}, graph(), nil)
			So(err, ShouldBeNil)

			Convey("Then the score is the source-weighted opinion mapped to [0,1]", func() {
				row, ok := find(res.PromptQuality, "p1")
				So(ok, ShouldBeTrue)
				So(*row.Score, ShouldAlmostEqual, 0.8, 1e-12)
				So(row.SampleSize, ShouldEqual, 2)
				So(row.Kind, ShouldEqual, model.KindPromptQuality)
				So(row.EpochID, ShouldEqual, 1)
			})
		})

		Convey("When prior trust is known for the commenter", func() {
			res, err := agg.Compute(ctx, 1, []model.ReviewSignal{
				review("a", "u1", "p1", 1),
				signal("b", model.SourceComment, "u2", model.EntityPrompt, "p1", -1),
			}, graph(), map[string]float64{"u2": 1})
			So(err, ShouldBeNil)

			Convey("Then the commenter weighs more", func() {
				row, _ := find(res.PromptQuality, "p1")
				So(*row.Score, ShouldAlmostEqual, 2.0/3.0, 1e-12)
			})
		})

		Convey("When a reviewer with zero trust disagrees", func() {
			res, err := agg.Compute(ctx, 1, []model.ReviewSignal{
				review("a", "good", "p1", 1),
				review("b", "bad", "p1", -1),
			}, graph(), map[string]float64{"good": 1, "bad": 0})
			So(err, ShouldBeNil)

			Convey("Then the trust floor keeps a little of that opinion", func() {
				row, _ := find(res.PromptQuality, "p1")
				So(*row.Score, ShouldAlmostEqual, (0.95/1.05+1)/2, 1e-12)
			})
		})

		Convey("When opinions target a response", func() {
			res, err := agg.Compute(ctx, 1, []model.ReviewSignal{
				signal("a", model.SourceQuickFeedback, "u1", model.EntityResponse, "r1", 3),
			}, graph(), nil)
			So(err, ShouldBeNil)

			Convey("Then they count toward the answered prompt with a clamped value", func() {
				row, ok := find(res.PromptQuality, "p1")
				So(ok, ShouldBeTrue)
				So(*row.Score, ShouldEqual, 1.0)
				So(res.Skipped, ShouldEqual, 0)
			})
		})
	})
}

func TestAggregator_DependencyOrder(t *testing.T) {
	Convey("Given opinions on every member of s1 and co-authorship records", t, func() {
		agg := trust.New()
		signals := []model.ReviewSignal{
			review("a", "u1", "p1", 1),
			review("b", "u1", "p2", -1),
			review("c", "u1", "p3", 0),
			signal("d", model.SourceCoauthorship, "bob", model.EntityPrompt, "p1", 0),
			signal("e", model.SourceCoauthorship, "alice", model.EntityPrompt, "p1", 0),
		}
		res, err := agg.Compute(context.Background(), 3, signals, graph(), nil)
		So(err, ShouldBeNil)

		Convey("Then benchmark quality is the mean of its prompt scores", func() {
			row, ok := find(res.BenchmarkQuality, "s1")
			So(ok, ShouldBeTrue)
			So(*row.Score, ShouldAlmostEqual, 0.5, 1e-12)
			So(row.SampleSize, ShouldEqual, 3)
		})

		Convey("Then contributor scores build on prompt and benchmark quality", func() {
			alice, ok := find(res.Contributor, "alice")
			So(ok, ShouldBeTrue)
			So(*alice.Score, ShouldAlmostEqual, 0.5, 1e-12)
			So(alice.SampleSize, ShouldEqual, 3)

			carol, ok := find(res.Contributor, "carol")
			So(ok, ShouldBeTrue)
			So(*carol.Score, ShouldAlmostEqual, 0.5, 1e-12)
			So(carol.SampleSize, ShouldEqual, 1)

			bob, ok := find(res.Contributor, "bob")
			So(ok, ShouldBeTrue)
			So(*bob.Score, ShouldEqual, 1.0)
			So(bob.SampleSize, ShouldEqual, 1)
		})

		Convey("Then rows are sorted by subject", func() {
			So(res.Contributor[0].SubjectID, ShouldEqual, "alice")
			So(res.Contributor[len(res.Contributor)-1].SubjectID, ShouldEqual, "carol")
		})

		Convey("Then nobody gets reviewer trust without consensus", func() {
			So(res.ReviewerTrust, ShouldBeEmpty)
		})
	})
}

func TestAggregator_BenchmarkFloor(t *testing.T) {
	Convey("Given opinions on only two of three members", t, func() {
		agg := trust.New()
		res, err := agg.Compute(context.Background(), 1, []model.ReviewSignal{
			review("a", "u1", "p1", 1),
			review("b", "u1", "p2", 1),
			signal("c", model.SourceReview, "u1", model.EntityPromptSet, "s2", 1),
		}, graph(), nil)
		So(err, ShouldBeNil)

		Convey("Then s1 is listed with a null score", func() {
			row, ok := find(res.BenchmarkQuality, "s1")
			So(ok, ShouldBeTrue)
			So(row.Score, ShouldBeNil)
			So(row.SampleSize, ShouldEqual, 2)
		})

		Convey("Then a set with only direct opinions is listed without a score", func() {
			row, ok := find(res.BenchmarkQuality, "s2")
			So(ok, ShouldBeTrue)
			So(row.Score, ShouldBeNil)
			So(row.SampleSize, ShouldEqual, 0)
		})

		Convey("Then authors of unscored sets get no contributor score from them", func() {
			_, ok := find(res.Contributor, "carol")
			So(ok, ShouldBeFalse)
			_, ok = find(res.Contributor, "dave")
			So(ok, ShouldBeFalse)
		})

		Convey("When the floor is lowered", func() {
			low := trust.New(trust.WithMinBenchmarkPrompts(2))
			res, err := low.Compute(context.Background(), 1, []model.ReviewSignal{
				review("a", "u1", "p1", 1),
				review("b", "u1", "p2", 1),
			}, graph(), nil)
			So(err, ShouldBeNil)

			Convey("Then s1 is scored", func() {
				row, _ := find(res.BenchmarkQuality, "s1")
				So(row.Score, ShouldNotBeNil)
				So(*row.Score, ShouldEqual, 1.0)
			})
		})
	})
}

func TestAggregator_ReviewerTrust(t *testing.T) {
	Convey("Given three reviewers voting on four prompts", t, func() {
		signals := []model.ReviewSignal{
			review("1", "r1", "p1", 1), review("2", "r2", "p1", 1), review("3", "r3", "p1", -1),
			review("4", "r1", "p2", 1), review("5", "r2", "p2", -1),
			review("6", "r1", "p3", -1), review("7", "r2", "p3", -1), review("8", "r3", "p3", -0.5),
			review("9", "r1", "p4", 1), review("10", "r1", "p4", -1), review("11", "r2", "p4", 1), review("12", "r3", "p4", 0.2),
		}

		Convey("When computed with the default vote floor", func() {
			res, err := trust.New().Compute(context.Background(), 1, signals, graph(), nil)
			So(err, ShouldBeNil)

			Convey("Then trust is the smoothed agreement ratio", func() {
				r2, ok := find(res.ReviewerTrust, "r2")
				So(ok, ShouldBeTrue)
				So(*r2.Score, ShouldAlmostEqual, 0.8, 1e-12)
				So(r2.SampleSize, ShouldEqual, 3)

				r3, ok := find(res.ReviewerTrust, "r3")
				So(ok, ShouldBeTrue)
				So(*r3.Score, ShouldAlmostEqual, 0.6, 1e-12)
			})

			Convey("Then reviewers below the floor are not listed", func() {
				_, ok := find(res.ReviewerTrust, "r1")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the vote floor is one", func() {
			res, err := trust.New(trust.WithMinReviewerVotes(1)).Compute(context.Background(), 1, signals, graph(), nil)
			So(err, ShouldBeNil)

			Convey("Then r1 is scored on the two prompts with consensus", func() {
				r1, ok := find(res.ReviewerTrust, "r1")
				So(ok, ShouldBeTrue)
				So(*r1.Score, ShouldAlmostEqual, 0.75, 1e-12)
				So(r1.SampleSize, ShouldEqual, 2)
			})
		})
	})
}

func TestAggregator_MalformedSignals(t *testing.T) {
	Convey("Given 100 signals of which 2 are malformed", t, func() {
		var signals []model.ReviewSignal
		for i := 0; i < 98; i++ {
			signals = append(signals, review(fmt.Sprintf("s%03d", i), fmt.Sprintf("u%d", i%7), "p1", 1))
		}
		signals = append(signals,
			signal("bad-1", "LIKE", "u1", model.EntityPrompt, "p1", 1),
			signal("bad-2", model.SourceReview, "u1", model.EntityResponse, "missing", 1),
		)

		res, err := trust.New().Compute(context.Background(), 1, signals, graph(), nil)

		Convey("Then the run succeeds and counts the skipped signals", func() {
			So(err, ShouldBeNil)
			So(res.Processed, ShouldEqual, 100)
			So(res.Skipped, ShouldEqual, 2)
			So(res.SkipRatio(), ShouldAlmostEqual, 0.02, 1e-12)
			row, _ := find(res.PromptQuality, "p1")
			So(row.SampleSize, ShouldEqual, 98)
		})
	})

	Convey("Given signals that fail to resolve", t, func() {
		signals := []model.ReviewSignal{
			review("dup", "u1", "p1", 1),
			review("dup", "u2", "p1", -1),
			review("x", "u1", "nope", 1),
			signal("y", model.SourceReview, "u1", model.EntityPromptSet, "nope", 1),
			signal("z", model.SourceCoauthorship, "u1", model.EntityResponse, "r1", 0),
			signal("w", model.SourceCoauthorship, "u1", model.EntityPrompt, "nope", 0),
		}
		res, err := trust.New().Compute(context.Background(), 1, signals, graph(), nil)
		So(err, ShouldBeNil)

		Convey("Then only the first copy of a duplicate survives", func() {
			So(res.Skipped, ShouldEqual, 5)
			row, _ := find(res.PromptQuality, "p1")
			So(*row.Score, ShouldEqual, 1.0)
		})
	})
}

func TestAggregator_Determinism(t *testing.T) {
	Convey("Given a random signal stream", t, func() {
		rng := rand.New(rand.NewSource(11))
		prompts := []string{"p1", "p2", "p3", "p4"}
		var signals []model.ReviewSignal
		for i := 0; i < 300; i++ {
			s := review(fmt.Sprintf("sig-%03d", i), fmt.Sprintf("u%d", rng.Intn(6)), prompts[rng.Intn(4)], rng.Float64()*2-1)
			s.OccurredAt = t0.Add(time.Duration(rng.Intn(30)) * time.Second)
			signals = append(signals, s)
		}
		prior := map[string]float64{"u0": 0.9, "u3": 0.1}
		agg := trust.New(trust.WithMinReviewerVotes(1))

		first, err := agg.Compute(context.Background(), 5, signals, graph(), prior)
		So(err, ShouldBeNil)

		shuffled := make([]model.ReviewSignal, len(signals))
		copy(shuffled, signals)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second, err := agg.Compute(context.Background(), 5, shuffled, graph(), prior)
		So(err, ShouldBeNil)

		Convey("Then input order does not change any output", func() {
			So(second, ShouldResemble, first)
		})
	})
}

func TestAggregator_Cancellation(t *testing.T) {
	Convey("Given a canceled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := trust.New().Compute(ctx, 1, []model.ReviewSignal{review("a", "u", "p1", 1)}, graph(), nil)
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
	})
}
