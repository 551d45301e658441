package executor

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// checkCache memoizes CheckSyntax results by script and environment inputs.
type checkCache struct {
	lru *expirable.LRU[uint64, CheckResult]
}

func newCheckCache(size int, ttl time.Duration) *checkCache {
	if size <= 0 {
		return nil
	}
	return &checkCache{lru: expirable.NewLRU[uint64, CheckResult](size, nil, ttl)}
}

func checkKey(req *CheckRequest) uint64 {
	d := xxhash.New()
	// Fields are NUL-separated and lists are length-prefixed.
	_, _ = d.WriteString(strconv.Itoa(int(req.Language)))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(req.Script)
	for _, list := range [][]string{req.Namespaces, req.References} {
		_, _ = d.WriteString("\x00" + strconv.Itoa(len(list)))
		for _, s := range list {
			_, _ = d.WriteString("\x00")
			_, _ = d.WriteString(s)
		}
	}
	return d.Sum64()
}

func (c *checkCache) get(key uint64) (*CheckResult, bool) {
	if c == nil {
		return nil, false
	}
	res, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return res.clone(), true
}

func (c *checkCache) add(key uint64, res *CheckResult) {
	if c == nil {
		return
	}
	c.lru.Add(key, *res.clone())
}
