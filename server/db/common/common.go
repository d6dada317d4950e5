// Package common contains utility methods used by all adapters.
package common

import (
	"time"

	t "github.com/directim/relay/server/store/types"
)

// SelectLimits resolves query options into the upper time bound of the query and
// the maximum number of rows to return. Zero 'before' means no bound. The limit
// never exceeds maxResults.
func SelectLimits(opts *t.QueryOpt, maxResults int) (before time.Time, limit int) {
	limit = maxResults
	if opts != nil {
		before = opts.Before
		if opts.Limit > 0 && opts.Limit < limit {
			limit = opts.Limit
		}
	}
	return before, limit
}
