package data

import (
	"testing"
	"time"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// FuzzJSONToRecord tests the JSON to Arrow conversion with random inputs.
// Run with: go test -fuzz=FuzzJSONToRecord -fuzztime=30s ./data/
func FuzzJSONToRecord(f *testing.F) {
	f.Add([]byte(`[{"id":"a","entity_id":"test","event_type":"create","timestamp":1234567890.0}]`))
	f.Add([]byte(`[{"entity_id":"a","metadata":{"key":"value","n":3}}]`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{}]`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`[null]`))
	f.Add([]byte(`[1,"x",true]`))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, data []byte) {
		record, err := c.JSONToRecord(data)
		if err != nil || record == nil {
			return
		}
		defer record.Release()

		if _, err := c.RecordToJSON(record); err != nil {
			t.Fatalf("RecordToJSON failed on a record we built: %v", err)
		}
	})
}

// FuzzTransactionRoundTrip checks that string fields survive conversion.
// Run with: go test -fuzz=FuzzTransactionRoundTrip -fuzztime=30s ./data/
func FuzzTransactionRoundTrip(f *testing.F) {
	f.Add("id1", "entity1", "event1", int32(0), "key1", "value1")
	f.Add("", "", "", int32(-5), "", "")
	f.Add("very-long-id-that-exceeds-normal-expectations", "e", "x", int32(1<<30), "k", "v")

	c := NewConverter()

	f.Fuzz(func(t *testing.T, id, entity, event string, priority int32, key, value string) {
		in := []engine.Transaction{{
			ID:        id,
			EntityID:  entity,
			EventType: event,
			Priority:  int(priority),
			Timestamp: time.Unix(1700000000, 0),
			Metadata:  map[string]interface{}{key: value},
		}}

		record, err := c.TransactionsToRecord(in)
		if err != nil {
			t.Fatalf("TransactionsToRecord failed: %v", err)
		}
		defer record.Release()

		out, err := c.RecordToTransactions(record)
		if err != nil {
			t.Fatalf("RecordToTransactions failed: %v", err)
		}
		if out[0].ID != id || out[0].EntityID != entity || out[0].EventType != event {
			t.Fatalf("String fields changed: %+v", out[0])
		}
		if out[0].Priority != int(priority) {
			t.Fatalf("Priority changed: %d != %d", out[0].Priority, priority)
		}
		if out[0].Metadata[key] != value {
			t.Fatalf("Metadata changed: %v", out[0].Metadata)
		}
	})
}

// FuzzDecodeIPC checks that arbitrary bytes never panic the IPC reader.
// Run with: go test -fuzz=FuzzDecodeIPC -fuzztime=30s ./data/
func FuzzDecodeIPC(f *testing.F) {
	c := NewConverter()
	record, _ := c.TransactionsToRecord([]engine.Transaction{{ID: "seed"}})
	valid, _ := EncodeIPC(record)
	record.Release()

	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte("ARROW1"))

	f.Fuzz(func(t *testing.T, data []byte) {
		records, err := DecodeIPC(data)
		if err != nil {
			return
		}
		for _, r := range records {
			_, _ = c.RecordToTransactions(r)
			r.Release()
		}
	})
}
