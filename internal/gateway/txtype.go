package gateway

import "strings"

// TransactionTypes is the static (method, route pattern) → transaction type
// table. Lookup is deterministic and side-effect free; unknown routes fall
// back to "<method>-<top-level-path>".
type TransactionTypes struct {
	byRoute map[string]string
}

// NewTransactionTypes builds a table from rules keyed "<METHOD> <route>",
// e.g. "POST /links".
func NewTransactionTypes(rules map[string]string) *TransactionTypes {
	byRoute := make(map[string]string, len(rules))
	for k, v := range rules {
		byRoute[k] = v
	}
	return &TransactionTypes{byRoute: byRoute}
}

// DefaultTransactionTypes covers the link routes the gateway fronts.
func DefaultTransactionTypes() *TransactionTypes {
	return NewTransactionTypes(map[string]string{
		"POST /links":         "create-link",
		"GET /links/:code":    "get-link",
		"DELETE /links/:code": "delete-link",
		"GET /r/:code":        "resolve-link",
	})
}

// Lookup resolves method plus the matched route pattern. routePattern may be
// empty when no route matched; the fallback then derives from rawPath.
func (t *TransactionTypes) Lookup(method, routePattern, rawPath string) string {
	if routePattern != "" {
		if tt, ok := t.byRoute[method+" "+routePattern]; ok {
			return tt
		}
	}
	return method + "-" + topLevelSegment(rawPath)
}

func topLevelSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "root"
	}
	return p
}
