package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClassifyStoreError(t *testing.T) {
	cases := map[string]error{
		"none":             nil,
		"timeout":          fmt.Errorf("lookup: %w", context.DeadlineExceeded),
		"unique_violation": errors.New(`pq: duplicate key value violates unique constraint "users_external_id_key"`),
		"not_found":        errors.New("sql: no rows in result set"),
		"connection":       errors.New("dial tcp: connection refused"),
		"other":            errors.New("boom"),
	}
	for want, err := range cases {
		if got := ClassifyStoreError(err); got != want {
			t.Fatalf("ClassifyStoreError(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestRecordStoreOperationCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(StoreErrors.WithLabelValues("test", "insert", "other"))
	RecordStoreOperation("test", "insert", time.Millisecond, errors.New("boom"))
	RecordStoreOperation("test", "insert", time.Millisecond, nil)
	after := testutil.ToFloat64(StoreErrors.WithLabelValues("test", "insert", "other"))
	if after-before != 1 {
		t.Fatalf("expected exactly one recorded error, got %v", after-before)
	}
}
