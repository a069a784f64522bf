// Copyright 2023 The Codeclash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rank implements a skiplist ordered for contest leaderboards. It
// supports O(log n) insert, delete and positional rank queries. Entries sort
// by descending score, then by the instant the score was first reached, then
// by user ID so the ordering is total and deterministic.
package rank

import (
	"math/rand"

	"github.com/gofrs/uuid"
)

const (
	maxLevel = 32
	branch   = 4
)

// Entry is a single leaderboard position. AchievedAt is the wall-clock unix
// millisecond timestamp at which the user first reached Score; it breaks ties
// in favour of whoever got there first.
type Entry struct {
	UserID     uuid.UUID
	Score      int64
	AchievedAt int64
}

// less reports whether e ranks strictly ahead of other.
func (e *Entry) less(other *Entry) bool {
	if e.Score != other.Score {
		return e.Score > other.Score
	}
	if e.AchievedAt != other.AchievedAt {
		return e.AchievedAt < other.AchievedAt
	}
	return e.UserID.String() < other.UserID.String()
}

type listLevel struct {
	forward *Element
	span    int
}

type Element struct {
	Entry *Entry
	level []*listLevel
}

// Next returns the next element in rank order or nil.
func (e *Element) Next() *Element {
	return e.level[0].forward
}

func newElement(level int, entry *Entry) *Element {
	levels := make([]*listLevel, level)
	for i := 0; i < level; i++ {
		levels[i] = new(listLevel)
	}
	return &Element{
		Entry: entry,
		level: levels,
	}
}

func randomLevel(r *rand.Rand) int {
	level := 1
	for (r.Int31()&0xFFFF)%branch == 0 {
		level++
	}
	if level < maxLevel {
		return level
	}
	return maxLevel
}

// List is a rank-ordered skiplist of leaderboard entries. It is not safe for
// concurrent use; callers hold their own locks.
type List struct {
	r      *rand.Rand
	header *Element
	update []*Element
	spans  []int
	length int
	level  int
}

// New returns an initialized, empty list.
func New() *List {
	return &List{
		r:      rand.New(rand.NewSource(1)),
		header: newElement(maxLevel, nil),
		update: make([]*Element, maxLevel),
		spans:  make([]int, maxLevel),
		length: 0,
		level:  1,
	}
}

// Front returns the best-ranked element or nil.
func (l *List) Front() *Element {
	return l.header.level[0].forward
}

// Len returns the number of entries in the list.
func (l *List) Len() int {
	return l.length
}

// Insert adds entry to the list and returns its element. The caller must
// guarantee the entry is not already present; the companion owner map in the
// rank cache enforces that.
func (l *List) Insert(entry *Entry) *Element {
	x := l.header
	for i := l.level - 1; i >= 0; i-- {
		// Track the rank crossed to reach the insert position.
		if i == l.level-1 {
			l.spans[i] = 0
		} else {
			l.spans[i] = l.spans[i+1]
		}
		for x.level[i].forward != nil && x.level[i].forward.Entry.less(entry) {
			l.spans[i] += x.level[i].span
			x = x.level[i].forward
		}
		l.update[i] = x
	}

	level := randomLevel(l.r)
	if level > l.level {
		for i := l.level; i < level; i++ {
			l.spans[i] = 0
			l.update[i] = l.header
			l.update[i].level[i].span = l.length
		}
		l.level = level
	}

	x = newElement(level, entry)
	for i := 0; i < level; i++ {
		x.level[i].forward = l.update[i].level[i].forward
		l.update[i].level[i].forward = x

		x.level[i].span = l.update[i].level[i].span - l.spans[0] + l.spans[i]
		l.update[i].level[i].span = l.spans[0] - l.spans[i] + 1
	}

	for i := level; i < l.level; i++ {
		l.update[i].level[i].span++
	}

	l.length++

	return x
}

func (l *List) deleteElement(e *Element, update []*Element) {
	for i := 0; i < l.level; i++ {
		if update[i].level[i].forward == e {
			update[i].level[i].span += e.level[i].span - 1
			update[i].level[i].forward = e.level[i].forward
		} else {
			update[i].level[i].span--
		}
	}

	for l.level > 1 && l.header.level[l.level-1].forward == nil {
		l.level--
	}
	l.length--
}

// Delete removes the element whose entry orders equal to entry, returning the
// stored entry or nil when absent.
func (l *List) Delete(entry *Entry) *Entry {
	x := l.find(entry)                      // x.Entry >= entry
	if x != nil && !entry.less(x.Entry) {   // entry >= x.Entry
		l.deleteElement(x, l.update)
		return x.Entry
	}
	return nil
}

// Find returns the element whose entry orders equal to entry, or nil.
func (l *List) Find(entry *Entry) *Element {
	x := l.find(entry)
	if x != nil && !entry.less(x.Entry) {
		return x
	}
	return nil
}

// find locates the first element e with e.Entry >= entry and fills l.update.
func (l *List) find(entry *Entry) *Element {
	x := l.header
	for i := l.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && x.level[i].forward.Entry.less(entry) {
			x = x.level[i].forward
		}
		l.update[i] = x
	}
	return x.level[0].forward
}

// Rank returns the 1-based rank of entry, or 0 when the entry is not present.
func (l *List) Rank(entry *Entry) int {
	x := l.header
	r := 0
	for i := l.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && x.level[i].forward.Entry.less(entry) {
			r += x.level[i].span
			x = x.level[i].forward
		}
		if x.level[i].forward != nil && !x.level[i].forward.Entry.less(entry) && !entry.less(x.level[i].forward.Entry) {
			r += x.level[i].span
			return r
		}
	}
	return 0
}

// ByRank returns the element at the given 1-based rank, or nil.
func (l *List) ByRank(r int) *Element {
	x := l.header
	traversed := 0
	for i := l.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && traversed+x.level[i].span <= r {
			traversed += x.level[i].span
			x = x.level[i].forward
		}
		if traversed == r {
			return x
		}
	}
	return nil
}
