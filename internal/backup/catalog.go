package backup

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

type catalogDoc struct {
	Version int            `json:"version"`
	Backups []CatalogEntry `json:"backups"`
}

// Catalog is the list of chats registered for backup, persisted as a single
// JSON document. A missing or corrupt file reads as an empty catalog.
type Catalog struct {
	mu   sync.Mutex
	path string
}

// NewCatalog returns a catalog stored at path.
func NewCatalog(path string) *Catalog {
	return &Catalog{path: path}
}

func (c *Catalog) load() []CatalogEntry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return []CatalogEntry{}
	}
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Backups == nil {
		return []CatalogEntry{}
	}
	return doc.Backups
}

func (c *Catalog) save(entries []CatalogEntry) error {
	data, err := json.MarshalIndent(catalogDoc{Version: SchemaVersion, Backups: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return writeFileAtomic(c.path, data)
}

// List returns every registered chat in registration order.
func (c *Catalog) List() []CatalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// Get returns the entry for chatID.
func (c *Catalog) Get(chatID string) (CatalogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.load() {
		if e.ChatID == chatID {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// Add registers a chat with empty backup metadata.
func (c *Catalog) Add(chatID, chatName string, chatType ChatType) (CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	for _, e := range entries {
		if e.ChatID == chatID {
			return CatalogEntry{}, ErrAlreadyRegistered
		}
	}
	entry := CatalogEntry{ChatID: chatID, ChatName: chatName, ChatType: chatType}
	if err := c.save(append(entries, entry)); err != nil {
		return CatalogEntry{}, err
	}
	return entry, nil
}

// Upsert replaces the entry with the same chat ID or appends a new one.
func (c *Catalog) Upsert(entry CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load()
	for i := range entries {
		if entries[i].ChatID == entry.ChatID {
			entries[i] = entry
			return c.save(entries)
		}
	}
	return c.save(append(entries, entry))
}
