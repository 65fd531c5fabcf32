package service

import (
	"strings"
	"sync"
)

// defaultMaxAliases bounds the name to key table; it is cleared when full.
const defaultMaxAliases = 10000

// aliasTable remembers which provider id a free-text name resolved to, so a
// repeated name search is served through the key's cache record.
type aliasTable struct {
	mu     sync.RWMutex
	byName map[string]string
	max    int
}

func newAliasTable(max int) *aliasTable {
	if max <= 0 {
		max = defaultMaxAliases
	}
	return &aliasTable{byName: make(map[string]string), max: max}
}

func (a *aliasTable) get(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.byName[name]
	return key, ok
}

func (a *aliasTable) put(name, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[name]; !ok && len(a.byName) >= a.max {
		clear(a.byName)
	}
	a.byName[name] = key
}

// normalizeName folds case and collapses inner whitespace.
func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
