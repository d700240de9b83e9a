package syncengine

import (
	"marketsync/pkg/market"
	"math/rand"
	"testing"
)

func listing(id int, title string, price float64) market.Listing {
	return market.Listing{ID: &id, Title: title, Price: market.Price(price)}
}

func titles(ls []market.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Title
	}
	return out
}

func TestSortPriceIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"desk", "Lamp", "chair", "bike", "Calculator", "textbook"}

	for round := range 50 {
		var ls []market.Listing
		for i := range rng.Intn(20) {
			l := listing(i+1, words[rng.Intn(len(words))], float64(rng.Intn(10000))/100)
			if rng.Intn(3) == 0 {
				l.Description = "barely used " + words[rng.Intn(len(words))]
			}
			ls = append(ls, l)
		}
		q := []string{"", "desk", "LAMP", "used", "zzz"}[round%5]

		asc := Sort(Filter(ls, q), SortPriceAsc)
		for i := 1; i < len(asc); i++ {
			if asc[i-1].Price > asc[i].Price {
				t.Fatalf("round %d: price_asc not non-decreasing at %d: %v > %v", round, i, asc[i-1].Price, asc[i].Price)
			}
		}
		desc := Sort(Filter(ls, q), SortPriceDesc)
		for i := 1; i < len(desc); i++ {
			if desc[i-1].Price < desc[i].Price {
				t.Fatalf("round %d: price_desc not non-increasing at %d: %v < %v", round, i, desc[i-1].Price, desc[i].Price)
			}
		}
	}
}

func TestFilter(t *testing.T) {
	ls := []market.Listing{
		{Title: "Desk lamp", Location: "ECSS"},
		{Title: "Chair", Description: "Comfy DESK chair"},
		{Title: "Bike", Location: "Residence Hall"},
		{},
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"Desk lamp", "Chair", "Bike", ""}},
		{"desk", []string{"Desk lamp", "Chair"}},
		{"  ecss ", []string{"Desk lamp"}},
		{"hall", []string{"Bike"}},
		{"piano", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := titles(Filter(ls, tt.query))
			if len(got) != len(tt.want) {
				t.Fatalf("Filter(%q) = %v, want %v", tt.query, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Filter(%q)[%d] = %q, want %q", tt.query, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSortOptions(t *testing.T) {
	draft := market.Listing{Title: "draft", Price: 1}
	ls := []market.Listing{
		listing(2, "banana", 5),
		listing(9, "Cherry", 1),
		draft,
		listing(4, "apple", 3),
	}

	tests := []struct {
		opt  SortOption
		want []string
	}{
		{SortNewest, []string{"Cherry", "apple", "banana", "draft"}},
		{SortOldest, []string{"draft", "banana", "apple", "Cherry"}},
		{SortPriceAsc, []string{"Cherry", "draft", "apple", "banana"}},
		{SortPriceDesc, []string{"banana", "apple", "Cherry", "draft"}},
		{SortAlphabetical, []string{"apple", "banana", "Cherry", "draft"}},
		{SortOption("bogus"), []string{"banana", "Cherry", "draft", "apple"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.opt), func(t *testing.T) {
			got := titles(Sort(ls, tt.opt))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("Sort(%s) = %v, want %v", tt.opt, got, tt.want)
				}
			}
		})
	}

	if ls[0].Title != "banana" {
		t.Error("Sort must not reorder its input")
	}
}

func TestParseSortOption(t *testing.T) {
	if opt, err := ParseSortOption(""); err != nil || opt != SortNewest {
		t.Errorf("ParseSortOption(\"\") = %q, %v", opt, err)
	}
	if opt, err := ParseSortOption(" Price_Desc "); err != nil || opt != SortPriceDesc {
		t.Errorf("ParseSortOption(Price_Desc) = %q, %v", opt, err)
	}
	if _, err := ParseSortOption("cheapest"); err == nil {
		t.Error("ParseSortOption(cheapest) should fail")
	}
}
