package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the ISO-8601 form used for stored and uploaded capture
// times. Fixed millisecond precision in UTC keeps lexical order equal to
// chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ProviderGPS tags fixes coming from the location service.
const ProviderGPS = "gps"

// batchNamespace seeds the name-based UUIDs used as batch ids.
var batchNamespace = uuid.MustParse("6f1d5c43-9a3e-4a55-8f0b-2f6c1d0f7a31")

// fixNamespace seeds the name-based UUIDs given to fixes delivered without an
// id.
var fixNamespace = uuid.MustParse("b3e0a7d2-4c61-4f0e-9d2a-7c58e1f4a906")

// Fix is a single reading as delivered by the location service.
type Fix struct {
	// ID is optional. Gateways that redeliver fixes set it so a retried
	// delivery maps onto the same queued record.
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Battery   *float64  `json:"battery,omitempty"`
}

// StableID derives a UUID from the capture time and coordinates, so a
// redelivered fix maps onto the record queued the first time.
func (f Fix) StableID() string {
	name := FormatTimestamp(f.Timestamp) + "|" +
		strconv.FormatFloat(f.Latitude, 'g', -1, 64) + "|" +
		strconv.FormatFloat(f.Longitude, 'g', -1, 64)
	return uuid.NewSHA1(fixNamespace, []byte(name)).String()
}

// LocationRecord is a fix waiting in the local queue for upload.
type LocationRecord struct {
	ID                   string
	CapturedAt           time.Time
	Latitude             float64
	Longitude            float64
	AccuracyMeters       *float64
	SpeedMetersPerSecond *float64
	HeadingDegrees       *float64
	Provider             string
	// Meta is JSON text, nil when absent.
	Meta json.RawMessage
}

// Timestamp renders CapturedAt in TimestampLayout.
func (r LocationRecord) Timestamp() string {
	return FormatTimestamp(r.CapturedAt)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a stored capture time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Payload is the wire form of one record in a bulk upload.
type Payload struct {
	Timestamp  string   `json:"ts"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	AccuracyM  *float64 `json:"accuracyM"`
	SpeedMps   *float64 `json:"speedMps"`
	HeadingDeg *float64 `json:"headingDeg"`
	Provider   *string  `json:"provider"`
	// Meta is left out, not sent as null, when absent.
	Meta any `json:"meta,omitempty"`
}

// Payload projects the record onto its wire form. Meta is decoded from JSON
// text into a structured value; undecodable meta is dropped rather than
// blocking the batch.
func (r LocationRecord) Payload() Payload {
	p := Payload{
		Timestamp:  r.Timestamp(),
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		AccuracyM:  r.AccuracyMeters,
		SpeedMps:   r.SpeedMetersPerSecond,
		HeadingDeg: r.HeadingDegrees,
	}
	if r.Provider != "" {
		provider := r.Provider
		p.Provider = &provider
	}
	if len(r.Meta) > 0 {
		var meta any
		if err := json.Unmarshal(r.Meta, &meta); err == nil {
			p.Meta = meta
		}
	}
	return p
}

// Batch is a bounded group of queued records submitted in one upload.
type Batch struct {
	ID      string
	Records []LocationRecord
}

// NewBatch wraps records in a Batch whose id is derived from the record ids,
// so the same rows always produce the same batch id.
func NewBatch(records []LocationRecord) Batch {
	return Batch{
		ID:      uuid.NewSHA1(batchNamespace, []byte(strings.Join(idsOf(records), "\n"))).String(),
		Records: records,
	}
}

// IDs returns the record ids in batch order.
func (b Batch) IDs() []string {
	return idsOf(b.Records)
}

// Payloads projects every record onto its wire form.
func (b Batch) Payloads() []Payload {
	out := make([]Payload, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.Payload()
	}
	return out
}

// Oldest returns the earliest capture time in the batch, zero when empty.
func (b Batch) Oldest() time.Time {
	if len(b.Records) == 0 {
		return time.Time{}
	}
	return b.Records[0].CapturedAt
}

func idsOf(records []LocationRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
