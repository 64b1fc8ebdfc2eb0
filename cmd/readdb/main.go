// readdb dumps the catalog and history of a Caldera data directory. Handy
// for inspecting which snapshots exist and who references them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	caldera "github.com/calderadb/caldera"
)

func main() {
	dataDir := flag.String("data", "data", "Caldera data directory")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine, err := caldera.New(caldera.Config{
		Paths:  []string{*dataDir},
		Logger: logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer engine.Close(ctx)

	ids, err := engine.Snapshots().List()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Snapshots: %d\n", len(ids))
	for _, id := range ids {
		count, err := engine.Tracker().RefCount(id)
		if err != nil {
			log.Fatal(err)
		}
		reclaimable, err := engine.Tracker().Reclaimable(id)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  %s refs=%d reclaimable=%v\n", id, count, reclaimable)
	}

	tables, err := engine.Tables(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Tables: %d\n", len(tables))
	for _, info := range tables {
		fmt.Printf("  %s (%s) current=%s\n", info.Name, info.ID, info.Current)
		rows, err := engine.History(ctx, info.Name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  error reading history: %v\n", err)
			continue
		}
		for _, row := range rows {
			fmt.Printf("    seq=%d rows=%d %s\n", row.Sequence, row.RowCount, row.Locator)
		}
	}
}
