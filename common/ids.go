package common

import (
	"encoding/binary"
	"fmt"
)

// ObjectID identifies a table in the catalog. It is also the key under which the table's storage file
// is resolved.
type ObjectID uint32

const InvalidObjectID ObjectID = 0

// PageID uniquely identifies a page: the table it belongs to and its page number within that table's
// file. It is comparable and used directly as a map key by the buffer pool and the lock manager.
type PageID struct {
	Oid     ObjectID
	PageNum int32
}

// PageIDSize is the serialized size of a PageID (ObjectID (4) + PageNum (4) = 8)
const PageIDSize = 8

func (p PageID) String() string {
	return fmt.Sprintf("Page(%d, %d)", p.Oid, p.PageNum)
}

// IsNil checks if the PageID is valid.
func (p PageID) IsNil() bool {
	return p.Oid == InvalidObjectID
}

// WriteTo serializes the PageID into the provided buffer. The buffer must be large enough to hold a PageID.
func (p PageID) WriteTo(data []byte) {
	Assert(len(data) >= PageIDSize, "buffer too small")
	binary.LittleEndian.PutUint32(data, uint32(p.Oid))
	binary.LittleEndian.PutUint32(data[4:], uint32(p.PageNum))
}

// LoadFrom deserializes a PageID from the provided buffer. The buffer must be large enough to hold a PageID.
func (p *PageID) LoadFrom(data []byte) {
	Assert(len(data) >= PageIDSize, "buffer too small")
	p.Oid = ObjectID(binary.LittleEndian.Uint32(data))
	p.PageNum = int32(binary.LittleEndian.Uint32(data[4:]))
}

// RecordID identifies a specific tuple via its PageID and slot index.
type RecordID struct {
	PageID
	Slot int32
}

func (r RecordID) String() string {
	return fmt.Sprintf("rid(%s, %d)", r.PageID.String(), r.Slot)
}

// TransactionID is an opaque token naming one transaction. IDs are handed out by the transaction manager
// from a monotonically increasing counter and never reused.
type TransactionID uint64

const InvalidTransactionID TransactionID = 0

func (t TransactionID) String() string {
	return fmt.Sprintf("txn-%d", uint64(t))
}

type LSN int64
