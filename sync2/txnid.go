package sync2

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TransactionIDCache remembers which transaction ID produced an event we sent, so the copy
// which comes back down /sync can be matched with the local echo.
type TransactionIDCache struct {
	cache *ttlcache.Cache[string, string]
}

func NewTransactionIDCache() *TransactionIDCache {
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](5*time.Minute), // keep transaction IDs for 5 minutes before forgetting about them
		ttlcache.WithDisableTouchOnHit[string, string](), // we don't care how many times they ask for the item, 5min is the limit.
	)
	go c.Start()
	return &TransactionIDCache{
		cache: c,
	}
}

// Store a transaction ID for an event we sent.
func (c *TransactionIDCache) Store(userID, eventID, txnID string) {
	c.cache.Set(cacheKey(userID, eventID), txnID, ttlcache.DefaultTTL)
}

// Get a transaction ID previously stored.
func (c *TransactionIDCache) Get(userID, eventID string) string {
	item := c.cache.Get(cacheKey(userID, eventID))
	if item != nil {
		return item.Value()
	}
	return ""
}

// Stop the expiry goroutine.
func (c *TransactionIDCache) Stop() {
	c.cache.Stop()
}

func cacheKey(userID, eventID string) string {
	return userID + " " + eventID
}
