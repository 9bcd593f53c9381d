// Package quota provides upload admission against per-tier private
// namespace quotas, plus per-user request rate limiting.
package quota

import (
	"fmt"

	"github.com/marmak/mirror/internal/config"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
)

// UsageSource reports a user's current private-folder usage in bytes.
// The size index implements this; tests inject synthetic values.
type UsageSource interface {
	PrivateUsage(username string) int64
}

// Admission decides whether private-namespace uploads are accepted.
// Usage figures come from the size index snapshot and may be up to one
// refresh interval stale; callers trigger an out-of-band refresh after
// successful writes.
type Admission struct {
	cfg   *config.Config
	usage UsageSource
}

// NewAdmission creates an admission checker.
func NewAdmission(cfg *config.Config, usage UsageSource) *Admission {
	return &Admission{cfg: cfg, usage: usage}
}

// CheckUsage is the pre-parse check: it rejects the whole request when
// the caller's usage already meets or exceeds the tier quota.
// Administrators are quota-exempt; a zero quota means unlimited.
func (a *Admission) CheckUsage(id mirror.Identity) error {
	return a.Admit(id, 0)
}

// Admit re-checks admission for one incoming file of the given size.
// Reaching exactly the quota already blocks.
func (a *Admission) Admit(id mirror.Identity, addBytes int64) error {
	if id.IsAdmin() {
		return nil
	}
	quota := a.cfg.QuotaForTier(id.Perms)
	if quota == 0 {
		return nil
	}
	used := a.usage.PrivateUsage(id.Username)
	if used+addBytes >= quota {
		metrics.RecordQuotaExceeded("storage")
		return fmt.Errorf("user %s at %d of %d bytes: %w",
			id.Username, used, quota, mirror.ErrQuotaExceeded)
	}
	return nil
}

// AdmitChunked is the conservative up-front check for chunked uploads:
// it admits against totalChunks * chunkSize, an over-estimate of the
// final assembly. The actual size is re-checked after reassembly.
func (a *Admission) AdmitChunked(id mirror.Identity, totalChunks, chunkSize int) error {
	return a.Admit(id, int64(totalChunks)*int64(chunkSize))
}

// CheckUploadSize enforces the per-tier maximum size of a single upload.
// A zero ceiling means unlimited.
func (a *Admission) CheckUploadSize(id mirror.Identity, size int64) error {
	if id.IsAdmin() {
		return nil
	}
	max := a.cfg.MaxUploadForTier(id.Perms)
	if max != 0 && size > max {
		metrics.RecordQuotaExceeded("upload_size")
		return fmt.Errorf("upload of %d bytes exceeds tier limit %d: %w",
			size, max, mirror.ErrQuotaExceeded)
	}
	return nil
}

// RequestsPerMin returns the caller's request rate ceiling, 0 meaning
// unlimited.
func (a *Admission) RequestsPerMin(id mirror.Identity) int {
	if id.IsAnonymous() {
		return 0
	}
	return a.cfg.RequestsPerMinForTier(id.Perms)
}
