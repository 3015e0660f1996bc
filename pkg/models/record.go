package models

// Reading is one generated row: the payload an Insert message turns into
// when a driver writes it
type Reading struct {
	Timestamp uint64  `json:"ts" msgpack:"ts"`
	DeviceID  uint32  `json:"device_id" msgpack:"device_id"`
	TableID   uint32  `json:"table_id" msgpack:"table_id"`
	Value     float64 `json:"value" msgpack:"value"`
	Status    int32   `json:"status" msgpack:"status"`
}

// ReadingFor derives the row written for an Insert message. Values are a
// pure function of the coordinates so reruns write identical data.
func ReadingFor(m Message) Reading {
	h := uint64(m.DeviceID)*2654435761 ^ uint64(m.TableID)*40503 ^ m.Timestamp
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return Reading{
		Timestamp: m.Timestamp,
		DeviceID:  m.DeviceID,
		TableID:   m.TableID,
		Value:     float64(h%100000) / 1000.0,
		Status:    int32(h % 4),
	}
}

// ColumnarPayload is the MessagePack columnar write format accepted by
// Arc's /api/v1/write/msgpack endpoint
type ColumnarPayload struct {
	M       string                   `msgpack:"m"`       // measurement
	Columns map[string][]interface{} `msgpack:"columns"` // column name -> values
}

// NewColumnarPayload converts readings for a single measurement into
// columnar form. Timestamps are sent in microseconds.
func NewColumnarPayload(measurement string, rows []Reading) ColumnarPayload {
	times := make([]interface{}, len(rows))
	devices := make([]interface{}, len(rows))
	values := make([]interface{}, len(rows))
	statuses := make([]interface{}, len(rows))
	for i, r := range rows {
		times[i] = int64(r.Timestamp) * 1_000_000
		devices[i] = int64(r.DeviceID)
		values[i] = r.Value
		statuses[i] = int64(r.Status)
	}
	return ColumnarPayload{
		M: measurement,
		Columns: map[string][]interface{}{
			"time":      times,
			"device_id": devices,
			"value":     values,
			"status":    statuses,
		},
	}
}
