package godb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/config"
	"mit.edu/dsg/godb/execution"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/logging"
	"mit.edu/dsg/godb/storage"
	"mit.edu/dsg/godb/transaction"
)

// WALFileName is the name of the write-ahead log inside the configured log directory.
const WALFileName = "wal.log"

// GoDB is the top-level container for the database system.
type GoDB struct {
	Catalog            *catalog.Catalog
	BufferPool         *storage.BufferPool
	LockManager        *lock.LockManager
	TableManager       *execution.TableManager
	TransactionManager *transaction.TransactionManager
	WAL                *logging.FileLogSink

	files *storage.DiskDBFileManager
	log   logrus.FieldLogger
}

// Open creates or reopens the database described by cfg. A nil logger falls back to the logrus standard
// logger.
func Open(cfg *config.Config, logger logrus.FieldLogger) (*GoDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, err
	}

	files := storage.NewDiskStorageManager(cfg.DataDir, logger)
	cat, err := catalog.NewCatalog(catalog.NewDiskCatalogManager(cfg.DataDir), files)
	if err != nil {
		files.Close()
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	wal, err := logging.NewFileLogSink(filepath.Join(cfg.LogDir, WALFileName), time.Duration(cfg.WALFlushInterval), logger)
	if err != nil {
		files.Close()
		return nil, fmt.Errorf("opening log: %w", err)
	}

	locks := lock.NewLockManager(logger)
	bufferPool := storage.NewBufferPool(cfg.BufferPoolPages, cat, locks, wal, logger)
	db := &GoDB{
		Catalog:            cat,
		BufferPool:         bufferPool,
		LockManager:        locks,
		TableManager:       execution.NewTableManager(cat),
		TransactionManager: transaction.NewTransactionManager(bufferPool, cat, logger),
		WAL:                wal,
		files:              files,
		log:                logger.WithField("component", "godb"),
	}
	db.log.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"log_dir":  cfg.LogDir,
		"pages":    cfg.BufferPoolPages,
		"tables":   len(cat.ListTables()),
	}).Info("database opened")
	return db, nil
}

// CreateTable registers a table and returns its heap.
func (db *GoDB) CreateTable(name string, columns []catalog.Column) (*execution.TableHeap, error) {
	table, err := db.Catalog.AddTable(name, columns)
	if err != nil {
		return nil, err
	}
	return db.TableManager.GetTable(table.Oid)
}

// DropTable removes a table, its cached pages and its file. No transaction may be using the table.
func (db *GoDB) DropTable(name string) error {
	table, err := db.Catalog.GetTableMetadata(name)
	if err != nil {
		return err
	}
	file, err := db.Catalog.FileFor(table.Oid)
	if err != nil {
		return err
	}
	numPages, err := file.NumPages()
	if err != nil {
		return err
	}
	for i := 0; i < numPages; i++ {
		db.BufferPool.DiscardPage(common.PageID{Oid: table.Oid, PageNum: int32(i)})
	}
	db.TableManager.Forget(table.Oid)
	_, err = db.Catalog.DropTable(name)
	return err
}

// Close writes any remaining dirty pages, then closes the log and the table files. Active transactions
// should be finished first; their uncommitted changes would otherwise be written.
func (db *GoDB) Close() error {
	if active := db.TransactionManager.ActiveTransactions(); len(active) > 0 {
		db.log.WithField("active", len(active)).Warn("closing with active transactions")
	}
	flushErr := db.BufferPool.FlushAllPages()
	walErr := db.WAL.Close()
	filesErr := db.files.Close()
	db.log.Info("database closed")
	for _, err := range []error{flushErr, walErr, filesErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
