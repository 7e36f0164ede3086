package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"execution-core/pkg/config"
)

// verify_schema checks that a database file carries the execution tables and
// the version columns conditional writes depend on.
//
// Usage:
//   go run ./scripts/verify_schema [db path]

var required = map[string][]string{
	"orders":              {"version", "status", "exchange_order_id", "reduce_only"},
	"failed_operations":   {"version", "retry_count", "next_attempt_at"},
	"strategy_accounts":   {"weight", "is_active"},
	"capital_allocations": {"allocated_capital"},
	"daily_balances":      {"ending_balance"},
	"accounts":            {"api_key_encrypted", "key_version"},
	"users":               {"password_hash"},
	"strategy_positions":  {"qty", "avg_price"},
	"order_settlements":   {"filled_qty", "status"},
}

func main() {
	dbPath := ""
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	} else {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		dbPath = cfg.DBPath
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for table, columns := range required {
		var schema string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&schema)
		if err == sql.ErrNoRows {
			fmt.Printf("MISSING table %s\n", table)
			missing++
			continue
		}
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, col := range columns {
			if !strings.Contains(schema, col) {
				fmt.Printf("MISSING column %s.%s\n", table, col)
				missing++
			}
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
	fmt.Println("schema ok")
}
