package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

// DefaultSuggestLimit is used when Suggest is called with a non-positive limit.
const DefaultSuggestLimit = 8

// minSuggestRunes is the shortest input that produces suggestions.
const minSuggestRunes = 2

var (
	// ErrNotFound is returned when no catalog entry matches a name under any tier.
	ErrNotFound = errors.New("city not found in catalog")
	// ErrEmptyName is returned for empty or whitespace-only names.
	ErrEmptyName = errors.New("city name is required")
)

// LookupTable is the read-only capability callers depend on. The linear Table
// satisfies it; an indexed implementation can replace it without touching callers.
type LookupTable interface {
	ResolveByName(name string) (string, error)
	Search(partial string, limit int) iter.Seq[models.City]
	Len() int
}

// Table is an immutable, in-memory catalog scanned linearly. Safe for concurrent use.
type Table struct {
	cities []models.City
	lower  []string // lowercased CityName, parallel to cities
	byKey  map[string]int
}

type catalogFile struct {
	List []models.City `json:"List"`
}

// Load reads a catalog file of the form {"List": [{"CityCode":..,"CityName":..,"CountryCode":..}]}.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.List), nil
}

// New builds a Table from cities, keeping their order. Entries with an empty
// name are skipped. The slice is copied.
func New(cities []models.City) *Table {
	t := &Table{
		cities: make([]models.City, 0, len(cities)),
		lower:  make([]string, 0, len(cities)),
		byKey:  make(map[string]int, len(cities)),
	}
	for _, c := range cities {
		name := strings.TrimSpace(c.CityName)
		if name == "" {
			continue
		}
		c.CityName = name
		t.cities = append(t.cities, c)
		t.lower = append(t.lower, strings.ToLower(name))
		if _, dup := t.byKey[c.Key()]; !dup {
			t.byKey[c.Key()] = len(t.cities) - 1
		}
	}
	return t
}

// Len returns the number of catalog entries.
func (t *Table) Len() int {
	return len(t.cities)
}

// ResolveByName maps a human-entered name to its canonical city key.
// Tiers, first match wins: exact, then prefix, then substring; all case-insensitive.
func (t *Table) ResolveByName(name string) (string, error) {
	c, err := t.resolve(name)
	if err != nil {
		return "", err
	}
	return c.Key(), nil
}

// ResolveCity is ResolveByName returning the whole catalog entry.
func (t *Table) ResolveCity(name string) (models.City, error) {
	return t.resolve(name)
}

func (t *Table) resolve(name string) (models.City, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return models.City{}, ErrEmptyName
	}
	tiers := []func(string) bool{
		func(s string) bool { return s == q },
		func(s string) bool { return strings.HasPrefix(s, q) },
		func(s string) bool { return strings.Contains(s, q) },
	}
	for _, match := range tiers {
		for i, s := range t.lower {
			if match(s) {
				return t.cities[i], nil
			}
		}
	}
	return models.City{}, fmt.Errorf("%w: %q", ErrNotFound, strings.TrimSpace(name))
}

// Search yields entries whose name contains partial (case-insensitive), at most
// limit of them. The sequence is lazy and can be ranged over more than once.
// Inputs shorter than two characters yield nothing.
func (t *Table) Search(partial string, limit int) iter.Seq[models.City] {
	q := strings.ToLower(strings.TrimSpace(partial))
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}
	return func(yield func(models.City) bool) {
		if utf8.RuneCountInString(q) < minSuggestRunes {
			return
		}
		n := 0
		for i, s := range t.lower {
			if n >= limit {
				return
			}
			if !strings.Contains(s, q) {
				continue
			}
			n++
			if !yield(t.cities[i]) {
				return
			}
		}
	}
}

// Suggest is the typeahead entry point over any LookupTable.
func Suggest(table LookupTable, partial string, limit int) iter.Seq[models.City] {
	return table.Search(partial, limit)
}

// NameForKey returns the catalog name for a city key, if the key is in the catalog.
func (t *Table) NameForKey(key string) (string, bool) {
	i, ok := t.byKey[strings.TrimSpace(key)]
	if !ok {
		return "", false
	}
	return t.cities[i].CityName, true
}

// DisplayName renders "Name, CC", or just the name without a country code.
func DisplayName(c models.City) string {
	if c.CountryCode == "" {
		return c.CityName
	}
	return c.CityName + ", " + c.CountryCode
}

// IsCityKey reports whether input looks like a numeric city key.
func IsCityKey(input string) bool {
	s := strings.TrimSpace(input)
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
