package syncengine

import (
	"fmt"
	"marketsync/pkg/market"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortOption selects the listing order.
type SortOption string

const (
	SortNewest       SortOption = "newest"
	SortOldest       SortOption = "oldest"
	SortPriceAsc     SortOption = "price_asc"
	SortPriceDesc    SortOption = "price_desc"
	SortAlphabetical SortOption = "alphabetical"
)

// ParseSortOption maps a name to a SortOption. The empty string is newest.
func ParseSortOption(s string) (SortOption, error) {
	switch opt := SortOption(strings.ToLower(strings.TrimSpace(s))); opt {
	case "":
		return SortNewest, nil
	case SortNewest, SortOldest, SortPriceAsc, SortPriceDesc, SortAlphabetical:
		return opt, nil
	default:
		return "", fmt.Errorf("unknown sort option %q", s)
	}
}

// Filter returns the listings whose title, description or location contain
// query, ignoring case. An empty query matches everything.
func Filter(listings []market.Listing, query string) []market.Listing {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return append([]market.Listing(nil), listings...)
	}
	var out []market.Listing
	for _, l := range listings {
		if containsFold(l.Title, q) || containsFold(l.Description, q) || containsFold(l.Location, q) {
			out = append(out, l)
		}
	}
	return out
}

func containsFold(field, lowerQuery string) bool {
	return field != "" && strings.Contains(strings.ToLower(field), lowerQuery)
}

// Sort returns a copy of listings ordered by opt. Unknown options keep the
// input order.
func Sort(listings []market.Listing, opt SortOption) []market.Listing {
	out := append([]market.Listing(nil), listings...)
	var less func(a, b market.Listing) bool
	switch opt {
	case SortNewest:
		less = func(a, b market.Listing) bool { return a.IDOrZero() > b.IDOrZero() }
	case SortOldest:
		less = func(a, b market.Listing) bool { return a.IDOrZero() < b.IDOrZero() }
	case SortPriceAsc:
		less = func(a, b market.Listing) bool { return a.Price < b.Price }
	case SortPriceDesc:
		less = func(a, b market.Listing) bool { return a.Price > b.Price }
	case SortAlphabetical:
		c := collate.New(language.English, collate.IgnoreCase)
		less = func(a, b market.Listing) bool { return c.CompareString(a.Title, b.Title) < 0 }
	default:
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
