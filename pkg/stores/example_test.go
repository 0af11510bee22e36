package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListTransitions demonstrates recording the state
// history of a provisioning run.
func ExampleSQLiteStore_ListTransitions() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	run := &engine.Run{
		ID:        "run-001",
		Kind:      engine.RunKindProvision,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	for i, to := range []string{"VerifyNotificationSubscription", "VerifyCredentials"} {
		from := "Start"
		if i > 0 {
			from = "VerifyNotificationSubscription"
		}
		if err := store.RecordTransition(ctx, &engine.StateTransition{
			RunID:     run.ID,
			Sequence:  i + 1,
			From:      from,
			To:        to,
			Attempts:  1,
			Timestamp: time.Now(),
		}); err != nil {
			log.Fatal(err)
		}
	}

	transitions, err := store.ListTransitions(ctx, run.ID)
	if err != nil {
		log.Fatal(err)
	}
	for _, t := range transitions {
		fmt.Printf("%d %s -> %s\n", t.Sequence, t.From, t.To)
	}
	// Output:
	// 1 Start -> VerifyNotificationSubscription
	// 2 VerifyNotificationSubscription -> VerifyCredentials
}
