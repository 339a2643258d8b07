package kernel

import (
	"fmt"
	"testing"

	"github.com/jeeves-cluster-organization/eraif/coreengine/policy"
)

// =============================================================================
// Mode Controller Benchmarks
// =============================================================================

// BenchmarkModeController_Snapshot measures the lock-free read path.
func BenchmarkModeController_Snapshot(b *testing.B) {
	c := NewModeController(policy.Default())
	if _, err := c.Activate(ActivateRequest{Reason: "bench", Severity: policy.SeverityHigh}); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = c.Snapshot().Policy
		}
	})
}

// BenchmarkModeController_ActivateDeactivate measures a full emergency cycle.
func BenchmarkModeController_ActivateDeactivate(b *testing.B) {
	c := NewModeController(policy.Default())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Activate(ActivateRequest{Reason: "bench", Severity: policy.SeverityCritical}); err != nil {
			b.Fatal(err)
		}
		c.Deactivate("")
	}
}

// =============================================================================
// Session Registry Benchmarks
// =============================================================================

// BenchmarkSessionRegistry_FullCycle benchmarks register, activate and finish.
func BenchmarkSessionRegistry_FullCycle(b *testing.B) {
	r := NewSessionRegistry()
	p := policy.Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("case-%d", i)
		if _, err := r.Register(id, "wf", "high", p); err != nil {
			b.Fatal(err)
		}
		_ = r.Activate(id)
		_ = r.Finish(id, SessionCompleted)
	}
}

// BenchmarkSessionRegistry_CountActive benchmarks the routing lookup.
func BenchmarkSessionRegistry_CountActive(b *testing.B) {
	r := NewSessionRegistry()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("case-%d", i)
		prio := "high"
		if i%3 == 0 {
			prio = "critical"
		}
		_, _ = r.Register(id, "wf", prio, policy.Default())
		_ = r.Activate(id)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.CountActive("critical")
	}
}
