package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"mit.edu/dsg/godb"
	"mit.edu/dsg/godb/catalog"
	"mit.edu/dsg/godb/common"
	"mit.edu/dsg/godb/execution"
	"mit.edu/dsg/godb/lock"
	"mit.edu/dsg/godb/storage"
	"mit.edu/dsg/godb/transaction"
)

const workloadTable = "workload"

var workloadColumns = []catalog.Column{
	{Name: "key", Type: common.IntType},
	{Name: "worker", Type: common.IntType},
}

type workloadOptions struct {
	workers      int
	transactions int
	opsPerTxn    int
	maxAttempts  int
	seed         int64
}

type workloadStats struct {
	committed atomic.Int64
	aborted   atomic.Int64
	inserted  atomic.Int64
	deleted   atomic.Int64
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	var opts workloadOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a concurrent insert/delete workload against one table.",
		Long: `Run starts --workers goroutines, each executing --transactions transactions
against a single table. Every transaction inserts or deletes --ops rows. Transactions
chosen as deadlock victims are aborted and retried.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger(stderr)
			if err != nil {
				return err
			}
			if cfg.MetricsAddr != "" {
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.WithError(err).Error("metrics server failed")
					}
				}()
				defer srv.Close()
			}

			db, err := godb.Open(cfg, logger)
			if err != nil {
				return err
			}
			stats, elapsed, runErr := runWorkload(cmd.Context(), db, opts, logger)
			if err := db.Close(); err != nil && runErr == nil {
				runErr = err
			}
			fmt.Fprintf(stdout, "committed=%d aborted=%d inserted=%d deleted=%d elapsed=%s\n",
				stats.committed.Load(), stats.aborted.Load(), stats.inserted.Load(), stats.deleted.Load(), elapsed)
			return runErr
		},
	}
	addConfigFlags(cmd)
	flags := cmd.Flags()
	flags.IntVar(&opts.workers, "workers", 4, "Number of concurrent workers.")
	flags.IntVar(&opts.transactions, "transactions", 100, "Transactions per worker.")
	flags.IntVar(&opts.opsPerTxn, "ops", 4, "Rows inserted or deleted per transaction.")
	flags.IntVar(&opts.maxAttempts, "max-attempts", 20, "Attempts per transaction before giving up on deadlocks.")
	flags.Int64Var(&opts.seed, "seed", 1, "Random seed.")
	return cmd
}

func workloadHeap(db *godb.GoDB) (*execution.TableHeap, error) {
	heap, err := db.TableManager.GetTableByName(workloadTable)
	if common.IsErrorCode(err, common.NoSuchObjectError) {
		return db.CreateTable(workloadTable, workloadColumns)
	}
	return heap, err
}

func runWorkload(ctx context.Context, db *godb.GoDB, opts workloadOptions, logger logrus.FieldLogger) (*workloadStats, time.Duration, error) {
	stats := &workloadStats{}
	heap, err := workloadHeap(db)
	if err != nil {
		return stats, 0, err
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		worker := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(opts.seed + int64(worker)))
			for i := 0; i < opts.transactions; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				insert := r.Intn(3) != 0
				err := db.TransactionManager.Run(opts.maxAttempts, func(txn *transaction.TransactionContext) error {
					if insert {
						return insertRows(txn, heap, worker, r, opts.opsPerTxn, stats)
					}
					return deleteRows(txn, heap, worker, opts.opsPerTxn, stats)
				})
				if common.IsErrorCode(err, common.DeadlockError) {
					stats.aborted.Add(1)
					logger.WithField("worker", worker).Warn("transaction gave up after repeated deadlocks")
					continue
				}
				if err != nil {
					return err
				}
				stats.committed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return stats, time.Since(start), err
}

func insertRows(txn *transaction.TransactionContext, heap *execution.TableHeap, worker int, r *rand.Rand, n int, stats *workloadStats) error {
	rows := make([][]common.Value, n)
	for i := range rows {
		rows[i] = []common.Value{common.NewIntValue(r.Int63()), common.NewIntValue(int64(worker))}
	}
	insert := execution.NewInsertExecutor(execution.NewValuesExecutor(heap.StorageSchema(), rows), heap)
	if _, err := execution.Drain(execution.NewExecutorContext(txn), insert); err != nil {
		return err
	}
	stats.inserted.Add(int64(n))
	return nil
}

// deleteRows deletes up to n rows written by the same worker. The scan takes Exclusive locks so that
// deleters never need to upgrade.
func deleteRows(txn *transaction.TransactionContext, heap *execution.TableHeap, worker int, n int, stats *workloadStats) error {
	own := func(t storage.Tuple) bool {
		return t.GetValue(1).IntValue() == int64(worker)
	}
	scan := execution.NewSeqScanExecutor(heap, lock.Exclusive)
	del := execution.NewDeleteExecutor(execution.NewMaterializeExecutor(execution.NewLimitExecutor(n, execution.NewFilter(own, scan))), heap)
	result, err := execution.Drain(execution.NewExecutorContext(txn), del)
	if err != nil {
		return err
	}
	stats.deleted.Add(result[0].GetValue(0).IntValue())
	return nil
}
