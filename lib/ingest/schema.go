/*
 * CrowdPM
 * Copyright (C) 2026  CrowdPM, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package ingest admits measurement batches: it authenticates the device,
// seals the raw payload, records the pending batch and announces it to the
// processing pipeline.
package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/gravitational/trace"
)

// Pollutant values accepted on ingest. The platform currently measures
// fine particulate matter only.
const PollutantPM25 = "pm25"

// UnitMicrogramsPerCubicMeter is the only unit accepted for pm25.
const UnitMicrogramsPerCubicMeter = "µg/m³"

// Point is one measurement inside a batch.
type Point struct {
	DeviceID  string    `json:"device_id"`
	Pollutant string    `json:"pollutant"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Altitude  *float64  `json:"altitude"`
	Precision *float64  `json:"precision"`
	Timestamp time.Time `json:"timestamp"`
	Flags     int       `json:"flags"`
}

// Batch is the unit of ingest: an ordered group of points from one device.
type Batch struct {
	DeviceID string  `json:"device_id"`
	Points   []Point `json:"points"`
}

// ParseBatch decodes and validates a raw batch payload. Cross-checking the
// points' device identity against the access token happens in the gateway.
func ParseBatch(raw []byte) (*Batch, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	var batch Batch
	if err := decoder.Decode(&batch); err != nil {
		return nil, trace.BadParameter("malformed batch JSON: %v", err)
	}
	if decoder.More() {
		return nil, trace.BadParameter("trailing data after batch")
	}
	if err := batch.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &batch, nil
}

func (b *Batch) validate() error {
	if b.DeviceID == "" {
		return trace.BadParameter("missing device_id")
	}
	if len(b.Points) == 0 {
		return trace.BadParameter("batch carries no points")
	}
	for i := range b.Points {
		if err := b.Points[i].validate(); err != nil {
			return trace.Wrap(err, "point %d", i)
		}
	}
	return nil
}

func (p *Point) validate() error {
	switch {
	case p.DeviceID == "":
		return trace.BadParameter("missing device_id")
	case p.Pollutant != PollutantPM25:
		return trace.BadParameter("unsupported pollutant %q", p.Pollutant)
	case p.Unit != UnitMicrogramsPerCubicMeter:
		return trace.BadParameter("unsupported unit %q", p.Unit)
	case math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Value < 0:
		return trace.BadParameter("value out of range")
	case p.Lat < -90 || p.Lat > 90:
		return trace.BadParameter("latitude out of range")
	case p.Lon < -180 || p.Lon > 180:
		return trace.BadParameter("longitude out of range")
	case p.Timestamp.IsZero():
		return trace.BadParameter("missing timestamp")
	case p.Flags < 0:
		return trace.BadParameter("flags out of range")
	}
	return nil
}

// Canonical renders the batch in its stored form: typed re-marshal with a
// fixed field order, timestamps in UTC, no insignificant whitespace.
// Submitting byte-identical payloads yields byte-identical canonical forms,
// which is what the blob-integrity property in the pipeline relies on.
func (b *Batch) Canonical() ([]byte, error) {
	canonical := Batch{
		DeviceID: b.DeviceID,
		Points:   make([]Point, len(b.Points)),
	}
	copy(canonical.Points, b.Points)
	for i := range canonical.Points {
		canonical.Points[i].Timestamp = canonical.Points[i].Timestamp.UTC()
	}
	data, err := json.Marshal(&canonical)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}
