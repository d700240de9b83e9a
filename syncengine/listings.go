package syncengine

import (
	"context"
	"fmt"
	"marketsync/gateway"
	"marketsync/pkg/market"

	"github.com/codeGROOVE-dev/retry"
)

// RefreshListings replaces the whole listing collection with the server's.
// Transient failures are retried; on final failure the collection is kept
// and the state becomes StateError.
func (e *Engine) RefreshListings(ctx context.Context) error {
	e.mu.Lock()
	e.listingsState = StateLoading
	e.mu.Unlock()
	e.notify(ResourceListings)

	var listings []market.Listing
	var lastErr error
	err := retry.Do(
		func() error {
			l, err := e.gw.ListListings(ctx)
			if err != nil {
				lastErr = err
				if !gateway.IsTransient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			listings = l
			return nil
		},
		retry.Attempts(e.retryAttempts),
		retry.Delay(e.retryDelay),
		retry.MaxJitter(e.retryDelay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("Retrying listing refresh after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		e.mu.Lock()
		e.listingsState = StateError
		e.listingsErr = lastErr
		e.mu.Unlock()
		e.logger.Warn("Listing refresh failed", "error", lastErr)
		e.notify(ResourceListings)
		return fmt.Errorf("refresh listings: %w", lastErr)
	}

	e.mu.Lock()
	e.listings = listings
	e.listingsState = StateLoaded
	e.listingsErr = nil
	e.listingsStale = false
	for i := range listings {
		e.rememberUserLocked(listings[i].Owner)
	}
	e.mu.Unlock()

	e.logger.Info("Listings refreshed", "count", len(listings))
	e.notify(ResourceListings)
	e.saveSnapshot(ctx)
	return nil
}

// ListingsState returns the collection state and the error that caused
// StateError, if any.
func (e *Engine) ListingsState() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listingsState, e.listingsErr
}

// ListingsStale reports whether the collection was loaded from the offline
// snapshot and has not been refreshed yet.
func (e *Engine) ListingsStale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listingsStale
}

// Listings returns the collection filtered by query and ordered by opt.
func (e *Engine) Listings(query string, opt SortOption) []market.Listing {
	e.mu.Lock()
	all := append([]market.Listing(nil), e.listings...)
	e.mu.Unlock()
	return Sort(Filter(all, query), opt)
}

// Listing returns the listing with id from the collection.
func (e *Engine) Listing(id int) (market.Listing, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return market.Listing{}, false
	}
	return e.listings[i], true
}

func (e *Engine) indexLocked(id int) int {
	for i := range e.listings {
		if e.listings[i].ID != nil && *e.listings[i].ID == id {
			return i
		}
	}
	return -1
}

// CreateListing submits draft and appends the stored listing on success.
// On failure nothing changes and the caller keeps its draft.
func (e *Engine) CreateListing(ctx context.Context, draft gateway.ListingDraft) (*market.Listing, error) {
	if e.session.UserID() == 0 {
		return nil, ErrNotAuthenticated
	}
	if err := e.validate.Struct(draft); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}

	l, err := e.gw.CreateListing(ctx, draft)
	if err != nil {
		e.logger.Warn("Create listing failed", "title", draft.Title, "error", err)
		return nil, fmt.Errorf("create listing: %w", err)
	}

	e.mu.Lock()
	e.listings = append(e.listings, *l)
	e.rememberUserLocked(l.Owner)
	e.mu.Unlock()

	e.logger.Info("Listing created", "listing_id", l.IDOrZero(), "images", len(l.ImageURLs))
	e.notify(ResourceListings)
	e.saveSnapshot(ctx)
	return l, nil
}

// UpdateListing applies edit to listing id once the server has confirmed it.
// The server's copy replaces the held listing when it carries an id; images
// and owner it leaves out are kept.
func (e *Engine) UpdateListing(ctx context.Context, id int, edit gateway.ListingEdit) (*market.Listing, error) {
	if e.session.UserID() == 0 {
		return nil, ErrNotAuthenticated
	}
	if err := e.validate.Struct(edit); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	if _, ok := e.Listing(id); !ok {
		return nil, fmt.Errorf("update listing %d: %w", id, ErrUnknownListing)
	}

	confirmed, err := e.gw.UpdateListing(ctx, id, edit)
	if err != nil {
		e.logger.Warn("Update listing failed", "listing_id", id, "error", err)
		return nil, fmt.Errorf("update listing: %w", err)
	}

	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		// removed by a refresh while the request was in flight
		e.mu.Unlock()
		return confirmed, nil
	}
	cur := &e.listings[i]
	if confirmed != nil && confirmed.ID != nil {
		prev := *cur
		*cur = *confirmed
		if len(cur.ImageURLs) == 0 {
			cur.ImageURLs = prev.ImageURLs
		}
		if cur.OwnerID == nil {
			cur.OwnerID = prev.OwnerID
		}
		if cur.Owner == nil {
			cur.Owner = prev.Owner
		}
		if cur.ClickCount == nil {
			cur.ClickCount = prev.ClickCount
		}
		if cur.CreatedAt == nil {
			cur.CreatedAt = prev.CreatedAt
		}
	} else {
		cur.Title = edit.Title
		cur.Price = market.Price(edit.Price)
		cur.Description = edit.Description
		cur.Location = edit.Location
	}
	updated := *cur
	e.mu.Unlock()

	e.logger.Info("Listing updated", "listing_id", id)
	e.notify(ResourceListings)
	e.saveSnapshot(ctx)
	return &updated, nil
}

// DeleteListing removes listing id once the server has confirmed.
func (e *Engine) DeleteListing(ctx context.Context, id int) error {
	if e.session.UserID() == 0 {
		return ErrNotAuthenticated
	}
	if err := e.gw.DeleteListing(ctx, id); err != nil {
		e.logger.Warn("Delete listing failed", "listing_id", id, "error", err)
		return fmt.Errorf("delete listing: %w", err)
	}

	e.mu.Lock()
	if i := e.indexLocked(id); i >= 0 {
		e.listings = append(e.listings[:i], e.listings[i+1:]...)
	}
	e.mu.Unlock()

	e.logger.Info("Listing deleted", "listing_id", id)
	e.notify(ResourceListings)
	e.saveSnapshot(ctx)
	return nil
}

// RecordClick reports a view of listing id and bumps the local click count
// when the server accepted it.
func (e *Engine) RecordClick(ctx context.Context, id int) error {
	if err := e.gw.RecordClick(ctx, id); err != nil {
		e.logger.Debug("Record click failed", "listing_id", id, "error", err)
		return fmt.Errorf("record click: %w", err)
	}

	e.mu.Lock()
	if i := e.indexLocked(id); i >= 0 {
		n := 1
		if e.listings[i].ClickCount != nil {
			n = *e.listings[i].ClickCount + 1
		}
		e.listings[i].ClickCount = &n
	}
	e.mu.Unlock()
	e.notify(ResourceListings)
	return nil
}
