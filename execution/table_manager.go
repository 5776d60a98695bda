package execution

import (
	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
)

// TableManager hands out one TableHeap per table, creating it on first use.
type TableManager struct {
	catalog *catalog.Catalog
	tables  *xsync.MapOf[common.ObjectID, *TableHeap]
}

func NewTableManager(c *catalog.Catalog) *TableManager {
	return &TableManager{
		catalog: c,
		tables:  xsync.NewMapOf[common.ObjectID, *TableHeap](),
	}
}

// GetTable retrieves the TableHeap for a given table oid.
func (tm *TableManager) GetTable(oid common.ObjectID) (*TableHeap, error) {
	if heap, ok := tm.tables.Load(oid); ok {
		return heap, nil
	}
	table, err := tm.catalog.GetTableByOid(oid)
	if err != nil {
		return nil, err
	}
	heap, _ := tm.tables.LoadOrStore(oid, NewTableHeap(table))
	return heap, nil
}

// GetTableByName retrieves the TableHeap for the named table.
func (tm *TableManager) GetTableByName(name string) (*TableHeap, error) {
	table, err := tm.catalog.GetTableMetadata(name)
	if err != nil {
		return nil, err
	}
	return tm.GetTable(table.Oid)
}

// Forget drops the cached heap of a dropped table.
func (tm *TableManager) Forget(oid common.ObjectID) {
	tm.tables.Delete(oid)
}
