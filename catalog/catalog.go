package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/storage"
)

// Catalog maps tables to their schemas and backing files.
//
// The catalog is serialized as a single JSON blob through a PersistenceProvider and rewritten whenever a
// table is added or dropped. Lookups by ObjectID come from the BufferPool on every page load and are served
// from a concurrent index without taking the catalog lock.
type Catalog struct {
	mu sync.RWMutex
	catalogState

	tableMap map[string]*Table
	oidIndex *xsync.MapOf[common.ObjectID, *tableEntry]

	provider PersistenceProvider
	files    storage.DBFileManager
}

type tableEntry struct {
	table *Table
	desc  *storage.RawTupleDesc
}

// Column represents the basic unit of a table schema.
type Column struct {
	Name string      `json:"name"`
	Type common.Type `json:"type"`
}

// Table is the metadata of one table: its ObjectID, name and columns.
type Table struct {
	Oid     common.ObjectID `json:"oid"`
	Name    string          `json:"name"`
	Columns []Column        `json:"columns"`
}

func (t *Table) String() string {
	b, _ := json.MarshalIndent(t, "", "  ")
	return string(b)
}

// Desc builds the physical row layout of the table.
func (t *Table) Desc() *storage.RawTupleDesc {
	types := make([]common.Type, len(t.Columns))
	for i, col := range t.Columns {
		types[i] = col.Type
	}
	return storage.NewRawTupleDesc(types)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// PersistenceProvider abstracts how the catalog is saved to and loaded from disk.
type PersistenceProvider interface {
	LoadCatalogState() (json string, err error)
	SaveCatalogState(json string) error
}

type catalogState struct {
	NextId uint32   `json:"next_id"`
	Tables []*Table `json:"tables"`
}

func (c *Catalog) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.MarshalIndent(c.catalogState, "", "  ")
	return string(b)
}

func (c *Catalog) indexTable(t *Table) {
	c.tableMap[t.Name] = t
	c.oidIndex.Store(t.Oid, &tableEntry{table: t, desc: t.Desc()})
}

func (c *Catalog) saveLocked() error {
	b, err := json.MarshalIndent(c.catalogState, "", "  ")
	if err != nil {
		return err
	}
	return c.provider.SaveCatalogState(string(b))
}

// NewCatalog loads the catalog from provider, or starts an empty one if nothing was saved yet. Table files
// are opened through files.
func NewCatalog(provider PersistenceProvider, files storage.DBFileManager) (*Catalog, error) {
	result := &Catalog{
		catalogState: catalogState{
			Tables: make([]*Table, 0),
		},
		tableMap: make(map[string]*Table),
		oidIndex: xsync.NewMapOf[common.ObjectID, *tableEntry](),
		provider: provider,
		files:    files,
	}

	jsonData, err := provider.LoadCatalogState()
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(jsonData), &result.catalogState); err != nil {
		// Parsing errors usually indicate corruption
		return nil, fmt.Errorf("failed to parse catalog state: %w", err)
	}
	for _, t := range result.Tables {
		result.indexTable(t)
	}
	return result, nil
}

// AddTable registers a new table with a fresh ObjectID and persists the catalog. It returns
// DuplicateObjectError if a table with that name already exists.
func (c *Catalog) AddTable(tableName string, columns []Column) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table '%s' must have at least one column", tableName)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tableMap[tableName]; exists {
		return nil, common.NewError(common.DuplicateObjectError, "table '%s' already exists", tableName)
	}

	// oid 0 is reserved for INVALID
	c.NextId++
	t := &Table{
		Oid:     common.ObjectID(c.NextId),
		Name:    tableName,
		Columns: columns,
	}
	c.Tables = append(c.Tables, t)
	c.indexTable(t)
	return t, c.saveLocked()
}

// DropTable removes the table from the catalog and deletes its file. Cached pages of the table must be
// discarded by the caller.
func (c *Catalog) DropTable(tableName string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, exists := c.tableMap[tableName]
	if !exists {
		return nil, common.NewError(common.NoSuchObjectError, "table '%s' does not exist", tableName)
	}
	delete(c.tableMap, tableName)
	c.oidIndex.Delete(t.Oid)
	for i, other := range c.Tables {
		if other == t {
			c.Tables = append(c.Tables[:i], c.Tables[i+1:]...)
			break
		}
	}
	if err := c.saveLocked(); err != nil {
		return nil, err
	}
	if err := c.files.DeleteDBFile(t.Oid); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return t, nil
}

// GetTableMetadata fetches the schema for a specific table name.
func (c *Catalog) GetTableMetadata(tableName string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, exists := c.tableMap[tableName]
	if !exists {
		return nil, common.NewError(common.NoSuchObjectError, "table '%s' does not exist", tableName)
	}
	return table, nil
}

func (c *Catalog) entryFor(oid common.ObjectID) (*tableEntry, error) {
	entry, ok := c.oidIndex.Load(oid)
	if !ok {
		return nil, common.NewError(common.NoSuchObjectError, "table with oid %d does not exist", oid)
	}
	return entry, nil
}

// GetTableByOid fetches the schema for a table ObjectID.
func (c *Catalog) GetTableByOid(oid common.ObjectID) (*Table, error) {
	entry, err := c.entryFor(oid)
	if err != nil {
		return nil, err
	}
	return entry.table, nil
}

// ListTables returns the currently registered tables in creation order.
func (c *Catalog) ListTables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Table(nil), c.Tables...)
}

// FileFor implements storage.TableResolver.
func (c *Catalog) FileFor(oid common.ObjectID) (storage.DBFile, error) {
	if _, err := c.entryFor(oid); err != nil {
		return nil, err
	}
	return c.files.GetDBFile(oid)
}

// DescFor implements storage.TableResolver.
func (c *Catalog) DescFor(oid common.ObjectID) (*storage.RawTupleDesc, error) {
	entry, err := c.entryFor(oid)
	if err != nil {
		return nil, err
	}
	return entry.desc, nil
}

const CatalogFileName = "catalog.json"

// DiskCatalogManager persists the catalog as a JSON file in a directory.
type DiskCatalogManager struct {
	rootPath string
}

func NewDiskCatalogManager(rootPath string) *DiskCatalogManager {
	return &DiskCatalogManager{
		rootPath: rootPath,
	}
}

// LoadCatalogState implements the catalog.PersistenceProvider interface.
func (dcm *DiskCatalogManager) LoadCatalogState() (string, error) {
	content, err := os.ReadFile(filepath.Join(dcm.rootPath, CatalogFileName))
	if err != nil {
		return "", err // Let the caller (Catalog) handle os.ErrNotExist
	}
	return string(content), nil
}

// SaveCatalogState implements the catalog.PersistenceProvider interface. The file is replaced atomically
// through a rename.
func (dcm *DiskCatalogManager) SaveCatalogState(jsonData string) error {
	tmpPath := filepath.Join(dcm.rootPath, CatalogFileName+".tmp")
	if err := os.WriteFile(tmpPath, []byte(jsonData), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dcm.rootPath, CatalogFileName))
}
