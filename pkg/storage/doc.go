/*
Package storage provides BoltDB-backed persistence for the delivery
controller.

One file, <dataDir>/infusion.db, holds two buckets:

	┌──────────────── infusion.db ────────────────┐
	│  state     current → versioned state blob   │
	│  pending   command ID → recovery.Pending    │
	└─────────────────────────────────────────────┘

The state blob is produced by delivery.Marshal and is opaque here; layout
versioning lives with the delivery package. Pending commands are stored as
JSON so a restarted daemon can settle commands whose outcome was unknown
when it stopped.

Every write is its own bbolt Update transaction and is fsynced before it
returns, so a committed delivery change survives a crash.

# Usage

	store, err := storage.NewBoltStore("/var/lib/infusion")
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := recovery.NewQueue(store)
	ctrl, err := controller.New(controller.Config{
		Device:   dev,
		Store:    store,
		Recovery: queue,
	})

Inspection tools open the file with OpenReadOnly. bbolt allows a single
writer process, so they fail after a short timeout while the daemon runs.
*/
package storage
