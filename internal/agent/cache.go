package agent

import "github.com/vesaa/opensqm/internal/models"

// Cache holds records not yet on disk, oldest first.
type Cache struct {
	records []models.Record
}

func (c *Cache) Add(r models.Record) { c.records = append(c.records, r) }

func (c *Cache) Len() int { return len(c.records) }

// Records returns a copy of the cached records.
func (c *Cache) Records() []models.Record {
	return append([]models.Record(nil), c.records...)
}

// Drop removes the n oldest records.
func (c *Cache) Drop(n int) {
	if n >= len(c.records) {
		c.records = c.records[:0]
		return
	}
	c.records = append(c.records[:0], c.records[n:]...)
}
