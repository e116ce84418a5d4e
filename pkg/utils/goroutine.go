// Package utils holds test helpers shared by the SDK packages.
package utils

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"time"
)

// modulePath marks stacks that belong to SDK code.
const modulePath = "openpond-sdk-go"

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running at the end.
type GoroutineLeakDetector struct {
	t              testing.TB
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	deadline       time.Duration
}

// NewGoroutineLeakDetector creates a new goroutine leak detector
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  50 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
		deadline:       2 * time.Second,
	}
}

// Start records the baseline goroutine count.
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
	d.t.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check waits up to the deadline for the goroutine count to fall back to
// the baseline plus the allowed growth, then reports a leak with the
// stacks of the SDK goroutines still alive.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	time.Sleep(d.stabilizeDelay)

	limit := d.initialCount + d.allowedGrowth
	count := runtime.NumGoroutine()
	for end := time.Now().Add(d.deadline); count > limit && time.Now().Before(end); {
		time.Sleep(d.checkInterval)
		count = runtime.NumGoroutine()
	}

	if count <= limit {
		d.t.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, count)
		return
	}

	d.t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
		d.initialCount, count, count-d.initialCount, d.allowedGrowth)
	if stacks := sdkStacks(); stacks != "" {
		d.t.Logf("SDK goroutines still running:\n%s", stacks)
	}
}

// SetAllowedGrowth sets the number of goroutines allowed to grow
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the delay to allow goroutines to stabilize
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// SetDeadline bounds how long Check waits for goroutines to exit.
func (d *GoroutineLeakDetector) SetDeadline(deadline time.Duration) *GoroutineLeakDetector {
	d.deadline = deadline
	return d
}

// sdkStacks returns the stacks of goroutines running SDK code, excluding
// the test runner itself.
func sdkStacks() string {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]

	var out []string
	for _, g := range bytes.Split(buf, []byte("\n\n")) {
		s := string(g)
		if strings.Contains(s, modulePath) && !strings.Contains(s, "utils.sdkStacks") && !strings.Contains(s, "testing.tRunner") {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}
