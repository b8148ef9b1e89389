package rules

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// explicit index: "run-2", "run_02", "run3"
	reRunIndex = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])run[-_]?([0-9]+)(?:$|[^0-9])`)
	// request for automatic index: "run+"
	reRunNext = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])run[-_]?\+`)
	// any run token, for building counter family key
	reRunToken = regexp.MustCompile(`(?i)(?:^|[-_ ])run[-_]?(?:[0-9]+|\+)`)
)

// RunCounters assigns run indexes to acquisitions which would otherwise
// produce identical names. State belongs to a single traversal, counters are
// keyed by scope (session) and acquisition label with run token removed.
// RunCounters is not safe for concurrent use.
type RunCounters struct {
	counters map[string]*runCounter
}

type runCounter struct {
	next int
	used map[int]bool
}

// NewRunCounters returns empty counter set.
func NewRunCounters() *RunCounters {
	return &RunCounters{counters: make(map[string]*runCounter)}
}

// Run returns run index for acquisition label within scope. Label with
// explicit index returns that index verbatim (no padding applied), label
// with "run+" gets next unused index of its family, label without run token
// returns empty string.
func (rc *RunCounters) Run(scope, label string) string {
	if m := reRunIndex.FindStringSubmatch(label); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			rc.counter(scope, label).used[n] = true
		}
		return m[1]
	}
	if !reRunNext.MatchString(label) {
		return ""
	}
	c := rc.counter(scope, label)
	n := c.next
	for c.used[n] {
		n++
	}
	c.used[n] = true
	c.next = n + 1
	return strconv.Itoa(n)
}

// Reserve marks run index of label family in scope as taken, automatic
// indexes skip it.
func (rc *RunCounters) Reserve(scope, label string, run int) {
	rc.counter(scope, label).used[run] = true
}

// Family returns counter key for label: label without its run token.
func Family(label string) string {
	return strings.TrimSpace(reRunToken.ReplaceAllString(label, ""))
}

func (rc *RunCounters) counter(scope, label string) *runCounter {
	key := scope + "\x00" + Family(label)
	c, ok := rc.counters[key]
	if !ok {
		c = &runCounter{next: 1, used: make(map[int]bool)}
		rc.counters[key] = c
	}
	return c
}
