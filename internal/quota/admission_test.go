package quota

import (
	"errors"
	"testing"

	"github.com/marmak/mirror/internal/config"
	"github.com/marmak/mirror/internal/mirror"
)

type fakeUsage map[string]int64

func (u fakeUsage) PrivateUsage(username string) int64 { return u[username] }

func testAdmission(quota int64, usage fakeUsage) *Admission {
	cfg := &config.Config{
		Quotas:         map[string]int64{"0": 0, "1": quota},
		MaxUploadSizes: map[string]int64{"0": 0, "1": 100},
	}
	return NewAdmission(cfg, usage)
}

func TestAdmitBoundary(t *testing.T) {
	a := testAdmission(1000, fakeUsage{"alice": 900})
	alice := mirror.Identity{Username: "alice", Perms: mirror.PermStandard}

	// 900 + 80 = 980 < 1000: admitted.
	if err := a.Admit(alice, 80); err != nil {
		t.Errorf("80-byte upload at 900/1000: %v", err)
	}

	// 900 + 150 = 1050 >= 1000: rejected.
	if err := a.Admit(alice, 150); !errors.Is(err, mirror.ErrQuotaExceeded) {
		t.Errorf("150-byte upload at 900/1000: got %v, want ErrQuotaExceeded", err)
	}

	// Reaching exactly the quota already blocks.
	if err := a.Admit(alice, 100); !errors.Is(err, mirror.ErrQuotaExceeded) {
		t.Errorf("exact-quota upload: got %v, want ErrQuotaExceeded", err)
	}
}

func TestCheckUsagePreParse(t *testing.T) {
	a := testAdmission(1000, fakeUsage{"full": 1000, "ok": 500})

	full := mirror.Identity{Username: "full", Perms: mirror.PermStandard}
	if err := a.CheckUsage(full); !errors.Is(err, mirror.ErrQuotaExceeded) {
		t.Errorf("usage at quota: got %v, want ErrQuotaExceeded", err)
	}

	ok := mirror.Identity{Username: "ok", Perms: mirror.PermStandard}
	if err := a.CheckUsage(ok); err != nil {
		t.Errorf("usage under quota: %v", err)
	}
}

func TestAdmitUnlimited(t *testing.T) {
	a := testAdmission(0, fakeUsage{"alice": 1 << 40})
	alice := mirror.Identity{Username: "alice", Perms: mirror.PermStandard}

	if err := a.Admit(alice, 1<<30); err != nil {
		t.Errorf("zero quota means unlimited: %v", err)
	}
}

func TestAdmitAdminExempt(t *testing.T) {
	a := testAdmission(1000, fakeUsage{"root": 1 << 40})
	admin := mirror.Identity{Username: "root", Perms: mirror.PermAdmin}

	if err := a.Admit(admin, 1<<30); err != nil {
		t.Errorf("admin should be quota-exempt: %v", err)
	}
}

func TestAdmitUnknownUserDefaultsToZeroUsage(t *testing.T) {
	a := testAdmission(1000, fakeUsage{})
	carol := mirror.Identity{Username: "carol", Perms: mirror.PermStandard}

	if err := a.Admit(carol, 500); err != nil {
		t.Errorf("unindexed user should count as zero usage: %v", err)
	}
}

func TestAdmitChunkedConservative(t *testing.T) {
	a := testAdmission(1000, fakeUsage{"alice": 500})
	alice := mirror.Identity{Username: "alice", Perms: mirror.PermStandard}

	// 4 chunks * 100 bytes = 400, 500+400 < 1000: admitted.
	if err := a.AdmitChunked(alice, 4, 100); err != nil {
		t.Errorf("chunked admission under quota: %v", err)
	}

	// 5 chunks * 100 bytes = 500, 500+500 >= 1000: rejected even though
	// the final file might assemble smaller.
	if err := a.AdmitChunked(alice, 5, 100); !errors.Is(err, mirror.ErrQuotaExceeded) {
		t.Errorf("chunked over-estimate: got %v, want ErrQuotaExceeded", err)
	}
}

func TestCheckUploadSize(t *testing.T) {
	a := testAdmission(0, fakeUsage{})
	alice := mirror.Identity{Username: "alice", Perms: mirror.PermStandard}
	admin := mirror.Identity{Username: "root", Perms: mirror.PermAdmin}

	if err := a.CheckUploadSize(alice, 100); err != nil {
		t.Errorf("upload at tier limit: %v", err)
	}
	if err := a.CheckUploadSize(alice, 101); !errors.Is(err, mirror.ErrQuotaExceeded) {
		t.Errorf("oversize upload: got %v, want ErrQuotaExceeded", err)
	}
	if err := a.CheckUploadSize(admin, 1<<40); err != nil {
		t.Errorf("admin tier has no ceiling: %v", err)
	}
}
