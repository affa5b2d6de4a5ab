// Package record defines the opaque payload units that flow through the
// exporter: records, page batches and delivery chunks.
package record

import "encoding/json"

// Record is one upstream record kept as raw JSON. The exporter never looks
// inside it on the delivery path.
type Record = json.RawMessage

// Batch is the ordered set of records returned by one page request.
type Batch []Record

// Chunk is the unit of delivery: an ordered slice of records pushed to the
// queue backend in one call.
type Chunk struct {
	// Index is the position of the chunk in the stream it was cut from.
	Index   int
	Records []Record
}

// Len returns the number of records in the chunk.
func (c Chunk) Len() int {
	return len(c.Records)
}

// Split cuts records into consecutive chunks holding at most capacity
// records each. Indexes start at 0. The last chunk may be short.
func Split(records []Record, capacity int) []Chunk {
	if capacity <= 0 || len(records) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(records)+capacity-1)/capacity)
	for start := 0; start < len(records); start += capacity {
		end := start + capacity
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Records: records[start:end:end],
		})
	}
	return chunks
}
