package sdk

import (
	"github.com/golang/glog"

	"github.com/zot/basekit/internal/query"
)

// QueryCache keeps at most one live QueryResult per query fingerprint.
type QueryCache struct {
	session *Session
	entries map[string]*QueryResult
}

func newQueryCache(s *Session) *QueryCache {
	if err := initMetrics(); err != nil {
		glog.Warningf("query cache metrics: %v", err)
	}
	return &QueryCache{session: s, entries: make(map[string]*QueryResult)}
}

// Len returns the number of live results.
func (c *QueryCache) Len() int {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return len(c.entries)
}

// Get returns the live result with fingerprint fp, or nil. It does not take
// a reference.
func (c *QueryCache) Get(fp string) *QueryResult {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.entries[fp]
}

// getOrCreateLocked normalizes opts and returns the shared result for them,
// taking one reference.
func (c *QueryCache) getOrCreateLocked(t *Table, v *View, opts query.Options) (*QueryResult, error) {
	n, err := query.Normalize(opts, func(idOrName string) (string, bool) {
		if f := t.resolveFieldLocked(idOrName); f != nil {
			return f.id, true
		}
		return "", false
	})
	if err != nil {
		return nil, err
	}
	src := query.Source{Kind: "table", ID: t.id}
	if v != nil {
		src = query.Source{Kind: "view", ID: t.id + "/" + v.id}
	}
	fp, err := query.Fingerprint(src, n)
	if err != nil {
		return nil, err
	}
	if q, ok := c.entries[fp]; ok {
		q.holders++
		recordQueryCache(true)
		return q, nil
	}
	filter, err := query.CompileFilter(n.Filter)
	if err != nil {
		return nil, err
	}
	q := newQueryResult(c, t, v, src, n, filter, fp)
	q.holders = 1
	c.entries[fp] = q
	t.queries[q] = struct{}{}
	recordQueryCache(false)
	glog.V(3).Infof("query %s created", fp)
	return q, nil
}
