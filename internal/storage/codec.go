package storage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fleet-triage/internal/schema"
	"fleet-triage/internal/timestamp"
)

// Column names of the export batch CSV body.
const (
	ColTimeCreated = "TimeCreated"
	ColID          = "Id"
	ColLevel       = "LevelDisplayName"
	ColProvider    = "ProviderName"
	ColMessage     = "Message"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Header is the column order written to batches.
var Header = []string{ColTimeCreated, ColID, ColLevel, ColProvider, ColMessage}

// ReadStats counts lenient coercions made while reading a batch.
type ReadStats struct {
	Rows          int `json:"rows"`
	BadTimestamps int `json:"bad_timestamps"`
	BadIDs        int `json:"bad_ids"`
}

// WriteRecords writes records as a batch CSV body, header first.
func WriteRecords(w io.Writer, records []schema.EventRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			timestamp.Format(r.TimeCreated),
			strconv.Itoa(r.ID),
			string(r.Level),
			r.Provider,
			r.Message,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRecords reads a batch CSV body. Columns are located by header name;
// ProviderName is optional and extra columns are ignored. Unparsable
// timestamps become the zero time and unparsable ids become 0; neither
// drops the row.
func ReadRecords(r io.Reader) ([]schema.EventRecord, ReadStats, error) {
	var stats ReadStats

	// Windows tools prefix UTF-8 exports with a byte order mark.
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, stats, nil
	}
	if err != nil {
		return nil, stats, fmt.Errorf("%w: header: %v", ErrMalformedBatch, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColTimeCreated, ColID, ColLevel, ColMessage} {
		if _, ok := cols[required]; !ok {
			return nil, stats, fmt.Errorf("%w: missing column %s", ErrMalformedBatch, required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []schema.EventRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}

		stats.Rows++
		rec := schema.EventRecord{
			Level:    schema.Level(field(row, ColLevel)),
			Provider: field(row, ColProvider),
			Message:  field(row, ColMessage),
		}

		if t, ok := timestamp.Parse(field(row, ColTimeCreated)); ok {
			rec.TimeCreated = t
		} else {
			stats.BadTimestamps++
		}

		if id, err := strconv.Atoi(strings.TrimSpace(field(row, ColID))); err == nil {
			rec.ID = id
		} else {
			stats.BadIDs++
		}

		records = append(records, rec)
	}

	return records, stats, nil
}
