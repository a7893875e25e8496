package authz

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"campusgate.org/internal/apperr"
)

func TestObserveLabelsDenialsByCode(t *testing.T) {
	deny := decisionsTotal.WithLabelValues("deny", "NOT_ENROLLED")
	allow := decisionsTotal.WithLabelValues("allow", "admin")
	beforeDeny := testutil.ToFloat64(deny)
	beforeAllow := testutil.ToFloat64(allow)

	observe(Decision{}, apperr.NotEnrolled("c1"))
	observe(Decision{Reason: ReasonAdmin}, nil)

	if got := testutil.ToFloat64(deny) - beforeDeny; got != 1 {
		t.Fatalf("expected one deny, got %v", got)
	}
	if got := testutil.ToFloat64(allow) - beforeAllow; got != 1 {
		t.Fatalf("expected one allow, got %v", got)
	}
}
