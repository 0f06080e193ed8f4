package store

import "time"

// Operation names reported to an Observer.
const (
	OpGet         = "get"
	OpInsert      = "insert"
	OpUpsert      = "upsert"
	OpReplace     = "replace"
	OpRemove      = "remove"
	OpGetAndTouch = "get_and_touch"
	OpTouch       = "touch"
	OpQuery       = "query"
	OpList        = "list"
	OpTransaction = "transaction"

	OpTxGet     = "transaction_get"
	OpTxInsert  = "transaction_insert"
	OpTxReplace = "transaction_replace"
	OpTxRemove  = "transaction_remove"
	OpTxQuery   = "transaction_query"
)

// Observer is notified once per store operation with its outcome.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
}

// NopObserver discards observations.
type NopObserver struct{}

func (NopObserver) ObserveOperation(string, time.Duration, error) {}
