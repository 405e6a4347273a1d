package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

const (
	skuID       = int64(900001)
	warehouseID = int64(1)
)

func main() {
	dsn := flag.String("dsn", getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/gulimall_wms?parseTime=true"), "MySQL DSN")
	initialStock := flag.Int("stock", 20, "units put on the shelf")
	totalRequests := flag.Int("requests", 50, "concurrent lock requests")
	perOrder := flag.Int("qty", 1, "units per order")
	flag.Parse()

	ctx := context.Background()

	db, err := sql.Open("mysql", *dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(*totalRequests)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	// Clear previous run
	if _, err := db.ExecContext(ctx, `DELETE FROM ware_sku WHERE sku_id = ?`, skuID); err != nil {
		log.Fatalf("failed to clear stock: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if _, err := adapter.AddStock(ctx, skuID, warehouseID, *initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	reservations := service.NewReservationService(adapter, zap.NewNop(), nil)

	var successCount, outOfStockCount, errorCount atomic.Int32
	var wg sync.WaitGroup
	runID := uuid.NewString()[:8]
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			orderSn := fmt.Sprintf("stress-%s-%d", runID, n)
			_, err := reservations.LockStock(ctx, orderSn, []domain.LineItem{{SkuID: skuID, Quantity: *perOrder}})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStockCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("order %s: %v", orderSn, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	expected := min(*initialStock / *perOrder, *totalRequests)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Locked:           %d\n", success)
	fmt.Printf("Out Of Stock:     %d\n", outOfStockCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == expected {
		fmt.Printf("PASS: exactly %d orders locked stock\n", expected)
	} else {
		fmt.Printf("FAIL: expected %d locked orders, got %d\n", expected, success)
		failed = true
	}

	entry, err := adapter.GetStock(ctx, skuID, warehouseID)
	if err != nil || entry == nil {
		log.Fatalf("failed to read ledger: %v", err)
	}
	fmt.Printf("Ledger:           total=%d locked=%d\n", entry.TotalQuantity, entry.LockedQuantity)

	committed := success * *perOrder
	if entry.LockedQuantity == committed && entry.LockedQuantity <= entry.TotalQuantity {
		fmt.Println("PASS: ledger matches committed reservations, no oversell")
	} else {
		fmt.Println("FAIL: ledger does not match committed reservations")
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
