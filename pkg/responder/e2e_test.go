//go:build !race

package responder

import (
	"context"
	"testing"
	"time"
)

// TestE2E_RegisterResolve advertises a service with real zeroconf and
// resolves it back.
//
// Note: This test requires network access and may be affected by firewall rules.
func TestE2E_RegisterResolve(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	z := NewZeroconf(Config{})

	reg, err := z.Register(RegisterRequest{
		Name: "netservice-e2e",
		Type: "_netservice-e2e._tcp",
		Port: 15541,
		Text: []string{"k=v"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer reg.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.Wait(ctx); err != nil {
		t.Fatalf("register Wait() error = %v", err)
	}
	if r, _ := reg.ProcessResult(); r.Err != NoError {
		t.Fatalf("register reply Err = %v", r.Err)
	}

	res, err := z.Resolve(ResolveRequest{Name: "netservice-e2e", Type: "_netservice-e2e._tcp"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer res.Release()

	if err := res.Wait(ctx); err != nil {
		t.Skipf("service not resolved (multicast unavailable?): %v", err)
	}
	r, _ := res.ProcessResult()
	if r.Port != 15541 {
		t.Errorf("resolved Port = %d, want 15541", r.Port)
	}
	t.Logf("resolved %s at %s %v", r.Name, r.Host, r.Addrs)
}
