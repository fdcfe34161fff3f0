package redisx

import "time"

const (
	// Pending order stage: stage:pending_order:{invoice_id} -> stage.PendingOrder JSON
	KeyPendingOrder = "stage:pending_order:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStage = 2 * time.Hour
	TTLDedup = 48 * time.Hour
)
