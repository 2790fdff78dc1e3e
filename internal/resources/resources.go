package resources

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Set is a finite mapping from Tag to a non-negative integer amount.
// The zero value is an empty, usable set.
//
// Invariant: zero-valued entries are removed after every mutation performed
// through this package's methods.
type Set map[Tag]int64

// NewSet builds a Set from a list of (tag, amount) pairs, pruning zeros.
func NewSet(pairs ...Pair) Set {
	s := make(Set, len(pairs))
	for _, p := range pairs {
		s.set(p.Tag, p.Amount)
	}
	return s
}

// Pair is a single tag/amount entry, used by NewSet and for readable test
// fixtures.
type Pair struct {
	Tag    Tag
	Amount int64
}

// Clone returns an independent deep copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s Set) set(tag Tag, amount int64) {
	if amount == 0 {
		delete(s, tag)
		return
	}
	s[tag] = amount
}

// Get returns the amount recorded for tag, or 0 if absent.
func (s Set) Get(tag Tag) int64 {
	return s[tag]
}

// Add returns a new Set equal to s + other, tag by tag.
func (s Set) Add(other Set) Set {
	out := s.Clone()
	for tag, amount := range other {
		out.set(tag, out[tag]+amount)
	}
	return out
}

// AddInPlace mutates s to add other, pruning zero entries.
func (s Set) AddInPlace(other Set) {
	for tag, amount := range other {
		s.set(tag, s[tag]+amount)
	}
}

// Sub returns a new Set equal to s - other, tag by tag. Amounts are allowed
// to go negative here; callers that must not under-flow (e.g. an in-use
// account) should check Contains first and treat a negative result as a
// programming bug.
func (s Set) Sub(other Set) Set {
	out := s.Clone()
	for tag, amount := range other {
		out.set(tag, out[tag]-amount)
	}
	return out
}

// SubInPlace mutates s to subtract other, pruning zero entries.
func (s Set) SubInPlace(other Set) {
	for tag, amount := range other {
		s.set(tag, s[tag]-amount)
	}
}

// Contains reports whether, for every tag in req, the value in s is at
// least as large. Tags missing from s are treated as 0.
func Contains(avail, req Set) bool {
	for tag, needed := range req {
		if needed <= 0 {
			continue
		}
		if avail[tag] < needed {
			return false
		}
	}
	return true
}

// Missing returns the subset of req that avail cannot satisfy: for each tag
// where avail falls short, the shortfall amount.
func Missing(avail, req Set) Set {
	out := make(Set)
	for tag, needed := range req {
		have := avail[tag]
		if have < needed {
			out.set(tag, needed-have)
		}
	}
	return out
}

// IsEmpty reports whether s has no non-zero entries.
func (s Set) IsEmpty() bool {
	return len(s) == 0
}

// IsZero reports whether every entry in s is zero; a negative entry makes it
// false.
func (s Set) IsZero() bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}

// Tags returns the set's tags in a deterministic order, for logging and
// tests.
func (s Set) Tags() []Tag {
	tags := lo.Keys(s)
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].String() < tags[j].String()
	})
	return tags
}

// String renders a deterministic, human-readable summary, e.g.
// "GPU_STREAM:GPU:0=2,MEMORY:GPU:0=1073741824".
func (s Set) String() string {
	tags := s.Tags()
	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, tag.String()+"="+itoa(s[tag]))
	}
	return strings.Join(parts, ",")
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GPUMemoryOf returns the amount recorded against MEMORY:GPU<index> in s.
func (s Set) GPUMemoryOf(index int) int64 {
	return s[GPUMemory(index)]
}

// TotalGPUMemory sums every MEMORY:GPU* entry, used to rank tickets by
// decreasing GPU memory in-use.
func (s Set) TotalGPUMemory() int64 {
	var total int64
	for tag, amount := range s {
		if tag.Type == Memory && tag.Device.Kind == GPU {
			total += amount
		}
	}
	return total
}
