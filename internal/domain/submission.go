package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ItemType tags an answered survey item.
type ItemType string

const (
	ItemScale   ItemType = "scale"
	ItemLikert  ItemType = "likert"
	ItemText    ItemType = "text"
	ItemNumeric ItemType = "numeric"
	ItemOther   ItemType = "other"
)

// IsScale reports whether answers of this type belong to a Likert/scale battery.
func (t ItemType) IsScale() bool {
	return t == ItemScale || t == ItemLikert
}

// Submission is one completed survey as captured by an enumerator in the field.
// The engine treats it as read-only input.
type Submission struct {
	ID           string            `json:"id"`
	RespondentID string            `json:"respondentId"`
	EnumeratorID string            `json:"enumeratorId"`
	FormID       string            `json:"formId"`
	Answers      []Answer          `json:"answers"`
	Fixes        []GPSFix          `json:"fixes"`
	Identity     map[string]string `json:"identity,omitempty"` // name, national_id, phone, ...
	SubmittedAt  time.Time         `json:"submittedAt"`
}

// Answer is one answered item. Value is nil when the item was skipped.
type Answer struct {
	ItemID     string     `json:"itemId"`
	Type       ItemType   `json:"type"`
	Value      *float64   `json:"value,omitempty"`
	Text       string     `json:"text,omitempty"`
	ScaleMin   int        `json:"scaleMin,omitempty"`
	ScaleMax   int        `json:"scaleMax,omitempty"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// GPSFix is a single location sample recorded during the enumerator's session.
type GPSFix struct {
	Lat        Degrees   `json:"lat"`
	Lon        Degrees   `json:"lon"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Valid reports whether the fix carries finite, in-range coordinates.
func (f GPSFix) Valid() bool {
	lat, lon := float64(f.Lat), float64(f.Lon)
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Degrees is a coordinate component. Devices occasionally report coordinates
// as strings or garbage; anything that does not parse decodes to NaN so the
// fix is rejected at detection time instead of failing ingestion.
type Degrees float64

// UnmarshalJSON accepts numbers and numeric strings.
func (d *Degrees) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = Degrees(math.NaN())
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*d = Degrees(math.NaN())
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		v = math.NaN()
	}
	*d = Degrees(v)
	return nil
}

// MarshalJSON writes non-finite values as null.
func (d Degrees) MarshalJSON() ([]byte, error) {
	v := float64(d)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
}

// Validate checks the fields ingestion depends on.
func (s *Submission) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: id is required", ErrMalformedInput)
	case s.EnumeratorID == "":
		return fmt.Errorf("%w: enumeratorId is required", ErrMalformedInput)
	case s.FormID == "":
		return fmt.Errorf("%w: formId is required", ErrMalformedInput)
	case s.SubmittedAt.IsZero():
		return fmt.Errorf("%w: submittedAt is required", ErrMalformedInput)
	}
	return nil
}

// Duration returns last minus first item timestamp and the number of
// timestamped items. Items without a timestamp are ignored.
func (s *Submission) Duration() (time.Duration, int) {
	var first, last time.Time
	n := 0
	for _, a := range s.Answers {
		if a.AnsweredAt == nil || a.AnsweredAt.IsZero() {
			continue
		}
		if n == 0 {
			first = *a.AnsweredAt
		}
		last = *a.AnsweredAt
		n++
	}
	if n < 2 {
		return 0, n
	}
	return last.Sub(first), n
}

// FormDurationStats is the population aggregate of completion durations for one form.
type FormDurationStats struct {
	FormID    string    `json:"formId"`
	Median    float64   `json:"median"` // seconds
	N         int       `json:"n"`
	Samples   []float64 `json:"samples,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RespondentMatch is a candidate returned by the respondent index.
type RespondentMatch struct {
	RespondentID  string   `json:"respondentId"`
	MatchedFields []string `json:"matchedFields"`
}
