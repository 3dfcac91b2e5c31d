package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/benchrank/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSet(t *testing.T) {
	ctx := context.Background()

	Convey("Given an unbounded set", t, func() {
		s := dedupe.NewSet()
		So(s.Size(), ShouldEqual, 0)

		Convey("When an id is recorded for the first time", func() {
			seen := s.SeenAndRecord(ctx, "match-1")

			Convey("Then it is reported as new", func() {
				So(seen, ShouldBeFalse)
				So(s.Size(), ShouldEqual, 1)
			})

			Convey("And a repeat is reported as seen", func() {
				So(s.SeenAndRecord(ctx, "match-1"), ShouldBeTrue)
				So(s.Size(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a set pre-sized smaller than its input", t, func() {
		s := dedupe.NewSet(dedupe.WithExpectedSize(2))
		for i := 0; i < 50; i++ {
			So(s.SeenAndRecord(ctx, fmt.Sprintf("id-%d", i)), ShouldBeFalse)
		}

		Convey("Then no id is ever forgotten", func() {
			So(s.Size(), ShouldEqual, 50)
			So(s.SeenAndRecord(ctx, "id-0"), ShouldBeTrue)
			So(s.SeenAndRecord(ctx, "id-49"), ShouldBeTrue)
		})
	})

	Convey("Given concurrent writers recording the same ids", t, func() {
		s := dedupe.NewSet(dedupe.WithExpectedSize(100))
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if !s.SeenAndRecord(ctx, fmt.Sprintf("id-%d", i)) {
						mu.Lock()
						fresh++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		Convey("Then each id is new exactly once", func() {
			So(fresh, ShouldEqual, 100)
			So(s.Size(), ShouldEqual, 100)
		})
	})
}
