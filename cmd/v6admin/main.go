// v6admin is an offline maintenance tool for the coordinator's bbolt
// store: inspect entity counts, back the file up, and compact it after
// large cleanups. The coordinator must be stopped while it runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/vantage6/server", "Coordinator data directory")
	backupPath = flag.String("backup", "", "Back the database up to this path before doing anything else")
	inspect    = flag.Bool("inspect", false, "Print entity counts and run status totals")
	compact    = flag.Bool("compact", false, "Rewrite the database to reclaim space freed by cleanup")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	dbPath := filepath.Join(*dataDir, "vantage6.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	if *backupPath != "" {
		log.Printf("Creating backup: %s", *backupPath)
		if err := copyFile(dbPath, *backupPath); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created")
	}

	if *inspect {
		if err := inspectStore(dbPath); err != nil {
			log.Fatalf("Inspection failed: %v", err)
		}
	}

	if *compact {
		if err := compactStore(dbPath); err != nil {
			log.Fatalf("Compaction failed: %v", err)
		}
	}

	if !*inspect && !*compact && *backupPath == "" {
		flag.Usage()
	}
}

var buckets = []string{
	"organizations", "collaborations", "studies", "nodes",
	"sessions", "dataframes", "tasks", "runs",
}

func inspectStore(dbPath string) error {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				log.Printf("%-15s <missing>", name)
				continue
			}
			log.Printf("%-15s %d", name, b.Stats().KeyN)
		}

		runs := tx.Bucket([]byte("runs"))
		if runs == nil {
			return nil
		}
		statuses := make(map[string]int)
		err := runs.ForEach(func(_, v []byte) error {
			var run struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(v, &run); err == nil {
				statuses[run.Status]++
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Println("run statuses:")
		for status, n := range statuses {
			log.Printf("  %-25q %d", status, n)
		}
		return nil
	})
}

func compactStore(dbPath string) error {
	src, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	tmpPath := dbPath + ".compact"
	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create compacted database: %w", err)
	}

	err = bolt.Compact(dst, src, 0)
	dst.Close()
	src.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compaction failed: %w", err)
	}

	before := fileSize(dbPath)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	log.Printf("✓ Compacted %d -> %d bytes", before, fileSize(dbPath))
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
