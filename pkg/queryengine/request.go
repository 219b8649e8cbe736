// Package queryengine is the server-side counterpart to pkg/queryshape:
// it turns a RawQueryRequest into an ordered plan of QueryStep values,
// lets a Router rewrite each step for authorisation, resolves every step
// against a storage.Storage through its Batcher, and joins the results
// back into nested rows (spec.md §4.5).
package queryengine

import (
	"strings"

	"github.com/liveframe/liveframe/pkg/queryshape"
)

// QueryStep is one node of a breakdownQuery plan: a resource-scoped query
// plus the relation-name path from the root that reached it. The root
// step has an empty StepPath.
type QueryStep struct {
	Query    queryshape.RawQueryRequest
	StepPath []string
}

func pathKey(stepPath []string) string {
	return strings.Join(stepPath, ".")
}
