// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handletable_test

import (
	"math/rand"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/internal/handletable"
)

func TestTable(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type TableTest struct {
	table *handletable.Table[string]
}

var _ SetUpInterface = &TableTest{}

func init() { RegisterTestSuite(&TableTest{}) }

func (t *TableTest) SetUp(ti *TestInfo) {
	t.table = handletable.New[string](0)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *TableTest) EmptyTable() {
	_, ok := t.table.Get(0)
	ExpectFalse(ok)

	_, ok = t.table.Get(1 << 40)
	ExpectFalse(ok)

	ExpectEq(0, t.table.Len())
}

func (t *TableTest) AllocateHandsOutLowIndicesFirst() {
	a, err := t.table.Allocate("taco")
	AssertEq(nil, err)
	b, err := t.table.Allocate("burrito")
	AssertEq(nil, err)

	ExpectEq(0, a)
	ExpectEq(1, b)

	v, ok := t.table.Get(b)
	AssertTrue(ok)
	ExpectEq("burrito", v)
	ExpectEq(2, t.table.Len())
}

func (t *TableTest) RemoveMakesIndexInvalid() {
	a, _ := t.table.Allocate("taco")
	t.table.Remove(a)

	_, ok := t.table.Get(a)
	ExpectFalse(ok)
	ExpectEq(0, t.table.Len())

	// Removing again is a no-op.
	t.table.Remove(a)
	t.table.Remove(12345)
	t.table.CheckInvariants()
}

func (t *TableTest) RemovedIndexIsReused() {
	a, _ := t.table.Allocate("taco")
	b, _ := t.table.Allocate("burrito")
	t.table.Remove(a)

	c, err := t.table.Allocate("enchilada")
	AssertEq(nil, err)
	ExpectEq(a, c)

	v, _ := t.table.Get(b)
	ExpectEq("burrito", v)
}

func (t *TableTest) ReserveSpecificIndex() {
	AssertEq(nil, t.table.Reserve(1, "root"))

	v, ok := t.table.Get(1)
	AssertTrue(ok)
	ExpectEq("root", v)

	// Allocation skips the reserved slot.
	a, _ := t.table.Allocate("a")
	b, _ := t.table.Allocate("b")
	ExpectEq(0, a)
	ExpectEq(2, b)

	err := t.table.Reserve(1, "again")
	ExpectThat(err, Error(HasSubstr("already in use")))
	t.table.CheckInvariants()
}

func (t *TableTest) ReserveBeyondEnd() {
	AssertEq(nil, t.table.Reserve(1000, "far"))

	v, ok := t.table.Get(1000)
	AssertTrue(ok)
	ExpectEq("far", v)
	t.table.CheckInvariants()
}

func (t *TableTest) Limit() {
	t.table = handletable.New[string](2)

	_, err := t.table.Allocate("a")
	AssertEq(nil, err)
	_, err = t.table.Allocate("b")
	AssertEq(nil, err)

	_, err = t.table.Allocate("c")
	ExpectEq(handletable.ErrFull, err)

	err = t.table.Reserve(5, "d")
	ExpectEq(handletable.ErrFull, err)

	t.table.Remove(0)
	_, err = t.table.Allocate("c")
	ExpectEq(nil, err)
}

func (t *TableTest) ForEachVisitsInUseSlots() {
	for _, s := range []string{"a", "b", "c", "d"} {
		t.table.Allocate(s)
	}
	t.table.Remove(2)

	var got []string
	t.table.ForEach(func(i uint64, v string) {
		got = append(got, v)
	})

	ExpectThat(got, ElementsAre("a", "b", "d"))
}

func (t *TableTest) RandomAllocateAndRemove() {
	type slot struct {
		value   string
		removed bool
	}

	r := rand.New(rand.NewSource(17))
	live := make(map[uint64]string)
	issued := make(map[uint64]*slot)

	for i := 0; i < 5000; i++ {
		if len(live) == 0 || r.Intn(3) != 0 {
			v := string(rune('a' + r.Intn(26)))
			index, err := t.table.Allocate(v)
			AssertEq(nil, err)

			// Never double-allocated.
			_, dup := live[index]
			AssertFalse(dup, "index %d", index)

			// Reissued only after removal.
			if s, ok := issued[index]; ok {
				AssertTrue(s.removed, "index %d", index)
			}

			live[index] = v
			issued[index] = &slot{value: v}
			continue
		}

		for index := range live {
			t.table.Remove(index)
			delete(live, index)
			issued[index].removed = true
			break
		}
	}

	t.table.CheckInvariants()
	AssertEq(len(live), t.table.Len())
	for index, v := range live {
		got, ok := t.table.Get(index)
		AssertTrue(ok)
		ExpectEq(v, got)
	}
}
