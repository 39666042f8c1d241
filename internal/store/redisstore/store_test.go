package redisstore

import (
	"strings"
	"testing"
	"time"
)

func TestQuotaKeyStampsUTCDate(t *testing.T) {
	key := quotaKey(42)

	const prefix = "studio:quota:42:"
	if !strings.HasPrefix(key, prefix) {
		t.Fatalf("unexpected key %q", key)
	}

	day := strings.TrimPrefix(key, prefix)
	parsed, err := time.Parse("2006-01-02", day)
	if err != nil {
		t.Fatalf("key date part %q: %v", day, err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	if parsed.Format("2006-01-02") != today {
		t.Fatalf("key stamped %s, expected today %s", day, today)
	}
}
