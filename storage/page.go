package storage

import (
	"sync/atomic"

	"mit.edu/dsg/godb/common"
)

// Page is a fixed-size unit of table storage held in memory by the BufferPool.
//
// A Page handed out by the BufferPool stays valid for as long as the caller holds a lock on it. Callers
// may read Bytes under a Shared lock and modify them under an Exclusive lock, after first calling
// BufferPool.MarkDirty so that the pre-transaction image is captured.
type Page struct {
	// Bytes holds the raw physical data of the page.
	Bytes [common.PageSize]byte

	id common.PageID
	// dirtier is the TransactionID that dirtied the page, or InvalidTransactionID if the page is clean.
	// Written only under the BufferPool latch, read atomically so accessors need no latch.
	dirtier atomic.Uint64
	// before holds the page image from the moment it was first dirtied by the current owner. It is nil
	// while the page is clean and never aliases Bytes.
	before *[common.PageSize]byte
}

func newPage(pid common.PageID) *Page {
	return &Page{id: pid}
}

// ID returns the identifier of the page.
func (p *Page) ID() common.PageID {
	return p.id
}

// Dirtier returns the transaction that has uncommitted changes on this page, or InvalidTransactionID.
func (p *Page) Dirtier() common.TransactionID {
	return common.TransactionID(p.dirtier.Load())
}

// IsDirty returns true if the page holds uncommitted changes.
func (p *Page) IsDirty() bool {
	return p.Dirtier() != common.InvalidTransactionID
}

func (p *Page) setDirtier(tid common.TransactionID) {
	p.dirtier.Store(uint64(tid))
}

// captureBeforeImage snapshots the current contents as the rollback image.
func (p *Page) captureBeforeImage() {
	if p.before == nil {
		p.before = new([common.PageSize]byte)
	}
	*p.before = p.Bytes
}

// revert copies the before-image back over the live bytes. The live buffer is overwritten in place so that
// callers still holding this *Page observe the rolled back contents.
func (p *Page) revert() {
	common.Assert(p.before != nil, "reverting %s without a before-image", p.id)
	p.Bytes = *p.before
}

// markClean forgets the owner and the before-image.
func (p *Page) markClean() {
	p.setDirtier(common.InvalidTransactionID)
	p.before = nil
}

// BeforeImage returns a copy of the image captured when the page was first dirtied, or nil if the page is
// clean.
func (p *Page) BeforeImage() []byte {
	if p.before == nil {
		return nil
	}
	img := make([]byte, common.PageSize)
	copy(img, p.before[:])
	return img
}
