package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// Converter converts between transactions and Arrow records.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return NewConverterWithAllocator(memory.DefaultAllocator)
}

// NewConverterWithAllocator creates a Converter using alloc.
func NewConverterWithAllocator(alloc memory.Allocator) *Converter {
	return &Converter{
		allocator: alloc,
		schema:    TransactionSchema(),
	}
}

// Schema returns the schema records are built with.
func (c *Converter) Schema() *arrow.Schema {
	return c.schema
}

// TransactionsToRecord converts transactions to an Arrow record. The caller
// must Release the record.
func (c *Converter) TransactionsToRecord(txs []engine.Transaction) (arrow.Record, error) {
	if len(txs) == 0 {
		return nil, errors.New("empty transactions slice")
	}

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	idBuilder := builder.Field(colTxID).(*array.StringBuilder)
	entityBuilder := builder.Field(colEntityID).(*array.StringBuilder)
	eventBuilder := builder.Field(colEventType).(*array.StringBuilder)
	priorityBuilder := builder.Field(colPriority).(*array.Int32Builder)
	timestampBuilder := builder.Field(colTimestamp).(*array.Float64Builder)
	detailsBuilder := builder.Field(colDetails).(*array.MapBuilder)
	dataBuilder := builder.Field(colData).(*array.BinaryBuilder)

	keyBuilder := detailsBuilder.KeyBuilder().(*array.StringBuilder)
	valueBuilder := detailsBuilder.ItemBuilder().(*array.StringBuilder)

	for i := range txs {
		tx := &txs[i]
		idBuilder.Append(tx.ID)
		entityBuilder.Append(tx.EntityID)
		eventBuilder.Append(tx.EventType)
		priorityBuilder.Append(int32(tx.Priority))

		if tx.Timestamp.IsZero() {
			timestampBuilder.AppendNull()
		} else {
			timestampBuilder.Append(float64(tx.Timestamp.UnixNano()) / float64(time.Second))
		}

		if len(tx.Metadata) > 0 {
			detailsBuilder.Append(true)
			keys := make([]string, 0, len(tx.Metadata))
			for k := range tx.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				keyBuilder.Append(k)
				valueBuilder.Append(stringify(tx.Metadata[k]))
			}
		} else {
			detailsBuilder.AppendNull()
		}

		if tx.Data != nil {
			dataBuilder.Append(tx.Data)
		} else {
			dataBuilder.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// RecordToTransactions converts an Arrow record built on TransactionSchema
// back into transactions. Null cells become zero values.
func (c *Converter) RecordToTransactions(record arrow.Record) ([]engine.Transaction, error) {
	if record == nil || record.NumRows() == 0 {
		return nil, nil
	}
	if err := ValidateSchema(record, c.schema); err != nil {
		return nil, err
	}

	idCol := record.Column(colTxID).(*array.String)
	entityCol := record.Column(colEntityID).(*array.String)
	eventCol := record.Column(colEventType).(*array.String)
	priorityCol := record.Column(colPriority).(*array.Int32)
	timestampCol := record.Column(colTimestamp).(*array.Float64)
	detailsCol := record.Column(colDetails).(*array.Map)
	dataCol := record.Column(colData).(*array.Binary)

	txs := make([]engine.Transaction, record.NumRows())
	for i := range txs {
		tx := &txs[i]
		if !idCol.IsNull(i) {
			tx.ID = idCol.Value(i)
		}
		if !entityCol.IsNull(i) {
			tx.EntityID = entityCol.Value(i)
		}
		if !eventCol.IsNull(i) {
			tx.EventType = eventCol.Value(i)
		}
		if !priorityCol.IsNull(i) {
			tx.Priority = int(priorityCol.Value(i))
		}
		if !timestampCol.IsNull(i) {
			tx.Timestamp = time.Unix(0, int64(timestampCol.Value(i)*float64(time.Second)))
		}
		if !detailsCol.IsNull(i) {
			tx.Metadata = extractMapValues(detailsCol, i)
		}
		if !dataCol.IsNull(i) {
			// Value aliases the record buffer.
			tx.Data = append([]byte(nil), dataCol.Value(i)...)
		}
	}

	return txs, nil
}

// JSONToRecord converts a JSON list of transactions to an Arrow record.
func (c *Converter) JSONToRecord(jsonData []byte) (arrow.Record, error) {
	var txs []engine.Transaction
	if err := json.Unmarshal(jsonData, &txs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return c.TransactionsToRecord(txs)
}

// RecordToJSON converts an Arrow record to a JSON list of transactions.
func (c *Converter) RecordToJSON(record arrow.Record) ([]byte, error) {
	txs, err := c.RecordToTransactions(record)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(txs)
}

// extractMapValues extracts key-value pairs from a Map column at the given index.
func extractMapValues(mapCol *array.Map, idx int) map[string]interface{} {
	result := make(map[string]interface{})

	start, end := mapCol.ValueOffsets(idx)
	keys, ok := mapCol.Keys().(*array.String)
	if !ok {
		return result
	}
	values, ok := mapCol.Items().(*array.String)
	if !ok {
		return result
	}

	for j := start; j < end; j++ {
		if values.IsNull(int(j)) {
			result[keys.Value(int(j))] = ""
			continue
		}
		result[keys.Value(int(j))] = values.Value(int(j))
	}
	return result
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprint(val)
	}
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
