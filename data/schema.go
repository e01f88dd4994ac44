// Package data provides the Apache Arrow representation of transactions
// used by the bulk ingest path.
package data

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Column indices of TransactionSchema.
const (
	colTxID = iota
	colEntityID
	colEventType
	colPriority
	colTimestamp
	colDetails
	colData
)

// TransactionSchema returns the Arrow schema for a batch of transactions.
//
// Fields:
//   - tx_id: string (nullable) - Transaction identifier, generated when empty
//   - entity_id: string (nullable) - Entity the transaction belongs to
//   - event_type: string (nullable) - Event type name
//   - priority: int32 (nullable) - Mempool priority, higher first
//   - timestamp: float64 (nullable) - Unix timestamp in seconds
//   - details: map<string, string> (nullable) - Key-value metadata
//   - data: binary (nullable) - Raw transaction data
func TransactionSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "tx_id", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "entity_id", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "event_type", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "priority", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
			{Name: "timestamp", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
			{
				Name: "details",
				Type: arrow.MapOf(
					arrow.BinaryTypes.String,
					arrow.BinaryTypes.String,
				),
				Nullable: true,
			},
			{Name: "data", Type: arrow.BinaryTypes.Binary, Nullable: true},
		},
		nil,
	)
}
