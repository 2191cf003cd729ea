package monitor

import (
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
)

// recordingDriver is a pure recorder for the TableDriver interface; entries
// read like the ipvsadm invocations they would cause. The mutex only matters
// for tests that run the full monitor loop.
type recordingDriver struct {
	mu   sync.Mutex
	ops  []string
	fail error
}

func (d *recordingDriver) op(name string, virtual *config.Virtual, real *config.Real) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, fmt.Sprintf("%s %s %s w=%d", name, virtual.Address(), real.Address(), real.CurrentWeight))
	return d.fail
}

func (d *recordingDriver) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

func (d *recordingDriver) AddReal(v *config.Virtual, r *config.Real, sync bool) error {
	return d.op("add", v, r)
}

func (d *recordingDriver) EditReal(v *config.Virtual, r *config.Real, sync bool) error {
	return d.op("edit", v, r)
}

func (d *recordingDriver) DeleteReal(v *config.Virtual, r *config.Real, sync bool) error {
	return d.op("delete", v, r)
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

// boolPtr creates a pointer to a bool value.
func boolPtr(b bool) *bool {
	return &b
}

func makeReal(ip string, weight int) *config.Real {
	return &config.Real{
		IP:     net.ParseIP(ip),
		Port:   80,
		Method: config.MethodGate,
		Weight: weight,
	}
}

// makePool builds a virtual with two reals and a localhost fallback, plus a
// monitor wired to a recording driver.
func makePool(t *testing.T) (*Monitor, *recordingDriver, *config.Virtual) {
	t.Helper()
	virtual := &config.Virtual{
		Name:      "web",
		IP:        net.ParseIP("10.0.0.1"),
		Port:      80,
		Protocol:  config.ProtocolTCP,
		Scheduler: "wrr",
	}
	virtual.Reals = []*config.Real{makeReal("10.0.1.1", 1), makeReal("10.0.1.2", 1)}
	virtual.Fallback = &config.Real{
		IP: net.ParseIP("127.0.0.1"), Port: 80,
		Method: config.MethodGate, Weight: 1, CurrentWeight: 1,
	}

	cfg := &config.Config{Global: config.NewGlobalConfig(), Virtuals: []*config.Virtual{virtual}}
	driver := &recordingDriver{}
	mon := New(cfg, driver, nil, nil, zap.NewNop())
	return mon, driver, virtual
}

// seedQuiescent reproduces the state the initial reset leaves behind with
// quiescent on: reals present at weight 0, fallback present at weight 1.
func seedQuiescent(virtual *config.Virtual) {
	virtual.IsPresent = true
	for _, real := range virtual.Reals {
		real.IsPresent = true
		real.CurrentWeight = 0
	}
	virtual.Fallback.IsPresent = true
	virtual.Fallback.CurrentWeight = 1
}

func success(virtual *config.Virtual, real *config.Real) outcome {
	return outcome{virtual: virtual, real: real}
}

func failure(virtual *config.Virtual, real *config.Real) outcome {
	return outcome{virtual: virtual, real: real, err: fmt.Errorf("connection refused")}
}

func handle(t *testing.T, mon *Monitor, o outcome) {
	t.Helper()
	if err := mon.handleOutcome(o); err != nil {
		t.Fatalf("handleOutcome failed: %v", err)
	}
}

// checkInvariants asserts the bounds that must hold between any two
// reconciler operations.
func checkInvariants(t *testing.T, virtual *config.Virtual, failureCount int) {
	t.Helper()
	for _, real := range virtual.Reals {
		if real.CurrentWeight < 0 || real.CurrentWeight > real.Weight {
			t.Errorf("real %s: current_weight %d outside [0, %d]",
				real.Address(), real.CurrentWeight, real.Weight)
		}
		if real.FailCount < 0 || real.FailCount > failureCount {
			t.Errorf("real %s: failcount %d outside [0, %d]",
				real.Address(), real.FailCount, failureCount)
		}
	}
	if fb := virtual.Fallback; fb != nil {
		if fb.CurrentWeight != 0 && fb.CurrentWeight != 1 {
			t.Errorf("fallback: current_weight %d outside {0,1}", fb.CurrentWeight)
		}
		if fb.IsPresent && fb.CurrentWeight > 0 {
			for _, real := range virtual.Reals {
				if real.IsPresent && real.CurrentWeight > 0 {
					t.Errorf("fallback active while real %s serves", real.Address())
				}
			}
		}
	}
}

// --- scenario: all reals come up after a quiescent reset ---

func TestSuccess_RecoversRealsAndRetiresFallback(t *testing.T) {
	mon, driver, virtual := makePool(t)
	seedQuiescent(virtual)

	handle(t, mon, success(virtual, virtual.Reals[0]))
	want := []string{
		"edit 10.0.0.1:80 10.0.1.1:80 w=1",
		"delete 10.0.0.1:80 127.0.0.1:80 w=0",
	}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("first recovery:\n got %v\nwant %v", driver.ops, want)
	}
	checkInvariants(t, virtual, 1)

	driver.reset()
	handle(t, mon, success(virtual, virtual.Reals[1]))
	want = []string{"edit 10.0.0.1:80 10.0.1.2:80 w=1"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("second recovery:\n got %v\nwant %v", driver.ops, want)
	}
	checkInvariants(t, virtual, 1)
}

func TestSuccess_AddsAbsentReal(t *testing.T) {
	mon, driver, virtual := makePool(t)
	// Not quiescent-seeded: reals are absent, fallback present.
	virtual.IsPresent = true
	virtual.Fallback.IsPresent = true
	virtual.Fallback.CurrentWeight = 1

	handle(t, mon, success(virtual, virtual.Reals[0]))
	want := []string{
		"add 10.0.0.1:80 10.0.1.1:80 w=1",
		"delete 10.0.0.1:80 127.0.0.1:80 w=0",
	}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("unexpected ops:\n got %v\nwant %v", driver.ops, want)
	}
	if !virtual.Reals[0].IsPresent {
		t.Error("expected real to be present")
	}
	if virtual.Fallback.IsPresent {
		t.Error("expected fallback to be absent")
	}
}

// --- hysteresis ---

func TestFailure_BelowThresholdEmitsNothing(t *testing.T) {
	mon, driver, virtual := makePool(t)
	seedQuiescent(virtual)
	virtual.FailureCount = 3
	real := virtual.Reals[0]
	real.CurrentWeight = 1

	handle(t, mon, failure(virtual, real))
	handle(t, mon, failure(virtual, real))
	if len(driver.ops) != 0 {
		t.Fatalf("expected no ops below threshold, got %v", driver.ops)
	}
	if real.FailCount != 2 {
		t.Errorf("expected failcount 2, got %d", real.FailCount)
	}

	handle(t, mon, failure(virtual, real))
	want := []string{"edit 10.0.0.1:80 10.0.1.1:80 w=0"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("third failure:\n got %v\nwant %v", driver.ops, want)
	}
	checkInvariants(t, virtual, 3)

	// A success resets the counter, restores the weight, and retires the
	// still-seeded fallback.
	driver.reset()
	handle(t, mon, success(virtual, real))
	want = []string{
		"edit 10.0.0.1:80 10.0.1.1:80 w=1",
		"delete 10.0.0.1:80 127.0.0.1:80 w=0",
	}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("recovery:\n got %v\nwant %v", driver.ops, want)
	}
	if real.FailCount != 0 {
		t.Errorf("expected failcount reset, got %d", real.FailCount)
	}
}

func TestFailure_FailcountSaturates(t *testing.T) {
	mon, _, virtual := makePool(t)
	seedQuiescent(virtual)
	virtual.FailureCount = 2
	real := virtual.Reals[0]

	for i := 0; i < 10; i++ {
		handle(t, mon, failure(virtual, real))
		if real.FailCount > 2 {
			t.Fatalf("failcount grew past the threshold: %d", real.FailCount)
		}
	}
	if real.FailCount != 2 {
		t.Errorf("expected saturated failcount 2, got %d", real.FailCount)
	}
}

// --- pool collapse with quiescent off ---

func TestFailure_PoolCollapseActivatesFallback(t *testing.T) {
	mon, driver, virtual := makePool(t)
	virtual.Quiescent = boolPtr(false)
	virtual.IsPresent = true
	for _, real := range virtual.Reals {
		real.IsPresent = true
		real.CurrentWeight = 1
	}

	handle(t, mon, failure(virtual, virtual.Reals[0]))
	want := []string{"delete 10.0.0.1:80 10.0.1.1:80 w=0"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("first collapse step:\n got %v\nwant %v", driver.ops, want)
	}

	driver.reset()
	handle(t, mon, failure(virtual, virtual.Reals[1]))
	want = []string{
		"delete 10.0.0.1:80 10.0.1.2:80 w=0",
		"add 10.0.0.1:80 127.0.0.1:80 w=1",
	}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("final collapse step:\n got %v\nwant %v", driver.ops, want)
	}
	checkInvariants(t, virtual, 1)
}

// --- quiescent with readdquiescent=false ---

func TestFailure_AbsentRealWithoutReaddEmitsNothingForReal(t *testing.T) {
	mon, driver, virtual := makePool(t)
	virtual.ReaddQuiescent = boolPtr(false)
	virtual.IsPresent = true
	// The real was never added; the fallback is still down too.
	virtual.Fallback.IsPresent = false
	virtual.Fallback.CurrentWeight = 0

	handle(t, mon, failure(virtual, virtual.Reals[0]))

	// No op for the real itself, but fallback logic still runs.
	want := []string{"add 10.0.0.1:80 127.0.0.1:80 w=1"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("unexpected ops:\n got %v\nwant %v", driver.ops, want)
	}
	if virtual.Reals[0].IsPresent {
		t.Error("expected real to remain absent")
	}
}

func TestFailure_AbsentRealWithReaddIsAddedQuiesced(t *testing.T) {
	mon, driver, virtual := makePool(t)
	virtual.IsPresent = true
	virtual.Fallback.IsPresent = true
	virtual.Fallback.CurrentWeight = 1

	handle(t, mon, failure(virtual, virtual.Reals[0]))
	want := []string{"add 10.0.0.1:80 10.0.1.1:80 w=0"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("unexpected ops:\n got %v\nwant %v", driver.ops, want)
	}
	if !virtual.Reals[0].IsPresent || virtual.Reals[0].CurrentWeight != 0 {
		t.Error("expected real present with weight 0")
	}
}

// --- steady-state idempotence ---

func TestSteadyState_EmitsNoOps(t *testing.T) {
	mon, driver, virtual := makePool(t)
	seedQuiescent(virtual)

	// Converge: both reals up.
	handle(t, mon, success(virtual, virtual.Reals[0]))
	handle(t, mon, success(virtual, virtual.Reals[1]))

	driver.reset()
	handle(t, mon, success(virtual, virtual.Reals[0]))
	handle(t, mon, success(virtual, virtual.Reals[1]))
	if len(driver.ops) != 0 {
		t.Errorf("stable success cycle emitted ops: %v", driver.ops)
	}

	// Converge the other way: both reals down, fallback active.
	handle(t, mon, failure(virtual, virtual.Reals[0]))
	handle(t, mon, failure(virtual, virtual.Reals[1]))

	driver.reset()
	handle(t, mon, failure(virtual, virtual.Reals[0]))
	handle(t, mon, failure(virtual, virtual.Reals[1]))
	if len(driver.ops) != 0 {
		t.Errorf("stable failure cycle emitted ops: %v", driver.ops)
	}
}

// --- fallback edge cases ---

func TestFailure_NoFallbackConfigured(t *testing.T) {
	mon, driver, virtual := makePool(t)
	virtual.Fallback = nil
	virtual.Quiescent = boolPtr(false)
	virtual.IsPresent = true
	for _, real := range virtual.Reals {
		real.IsPresent = true
		real.CurrentWeight = 1
	}

	handle(t, mon, failure(virtual, virtual.Reals[0]))
	handle(t, mon, failure(virtual, virtual.Reals[1]))

	want := []string{
		"delete 10.0.0.1:80 10.0.1.1:80 w=0",
		"delete 10.0.0.1:80 10.0.1.2:80 w=0",
	}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("unexpected ops:\n got %v\nwant %v", driver.ops, want)
	}
}

func TestSuccess_FallbackNotTouchedWhenAlreadyDown(t *testing.T) {
	mon, driver, virtual := makePool(t)
	seedQuiescent(virtual)
	virtual.Fallback.IsPresent = false
	virtual.Fallback.CurrentWeight = 0

	handle(t, mon, success(virtual, virtual.Reals[0]))
	want := []string{"edit 10.0.0.1:80 10.0.1.1:80 w=1"}
	if !reflect.DeepEqual(driver.ops, want) {
		t.Errorf("unexpected ops:\n got %v\nwant %v", driver.ops, want)
	}
}

// --- randomized invariants under arbitrary outcome sequences ---

func TestInvariants_RandomizedOutcomes(t *testing.T) {
	mon, _, virtual := makePool(t)
	seedQuiescent(virtual)
	virtual.FailureCount = 2

	// A fixed pseudo-random pattern over both reals: deterministic and long
	// enough to take each real past the failure threshold and back; the seeded
	// fallback is retired by the first recovery.
	pattern := []int{0, 1, 1, 0, 0, 0, 1, 0, 1, 1, 0, 1, 0, 0, 1, 1, 1, 0, 0, 1}
	for step, p := range pattern {
		for i, real := range virtual.Reals {
			var o outcome
			if (p+i+step)%3 == 0 {
				o = failure(virtual, real)
			} else {
				o = success(virtual, real)
			}
			handle(t, mon, o)
			checkInvariants(t, virtual, 2)
		}
	}
}

// --- driver errors are fatal ---

func TestDriverErrorPropagates(t *testing.T) {
	mon, driver, virtual := makePool(t)
	seedQuiescent(virtual)
	driver.fail = fmt.Errorf("spawn failed")

	if err := mon.handleOutcome(success(virtual, virtual.Reals[0])); err == nil {
		t.Fatal("expected the driver error to propagate")
	}
}
