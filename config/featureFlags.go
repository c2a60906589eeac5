package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// AccountingSyncEnabled reports whether the business's plan includes the
// accounting integration. Plans are opaque strings owned by the billing
// service; the allowlist is configured via env:
//
// - ACCOUNTING_SYNC_PLANS="pro,business,enterprise" (default)
// - ACCOUNTING_SYNC_ENABLED=false force-disables the feature globally
func AccountingSyncEnabled(plan string) bool {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ACCOUNTING_SYNC_ENABLED")), "false") {
		return false
	}
	allowed := strings.TrimSpace(os.Getenv("ACCOUNTING_SYNC_PLANS"))
	if allowed == "" {
		allowed = "pro,business,enterprise"
	}
	plan = strings.ToLower(strings.TrimSpace(plan))
	for _, part := range strings.Split(allowed, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == plan {
			return true
		}
	}
	return false
}

// SyncQuotaExceeded reports whether the business has used up its monthly sync
// allowance. Backed by a Redis counter keyed by month; when Redis is absent
// the check degrades to "not exceeded" rather than blocking syncs.
//
// - ACCOUNTING_SYNC_MONTHLY_QUOTA (default 1000, 0 disables the check)
func SyncQuotaExceeded(ctx context.Context, businessId string) (bool, error) {
	quota := int64(1000)
	if v := strings.TrimSpace(os.Getenv("ACCOUNTING_SYNC_MONTHLY_QUOTA")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			quota = n
		}
	}
	if quota == 0 {
		return false, nil
	}
	used, err := PeekRedisCounter(ctx, syncQuotaKey(businessId))
	if err != nil {
		return false, err
	}
	return used >= quota, nil
}

// CountSyncRun records one sync pass against the monthly quota.
func CountSyncRun(ctx context.Context, businessId string) error {
	_, err := GetRedisCounter(ctx, syncQuotaKey(businessId))
	return err
}

func syncQuotaKey(businessId string) string {
	return "QboSync:" + businessId + ":" + time.Now().UTC().Format("2006-01")
}
