package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var jsonNull = []byte("null")

// parseNumber accepts a JSON number or a numeric string ("42", "42.5", "42%").
// It returns nil for null, missing or empty values.
func parseNumber(raw json.RawMessage) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil, nil
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "%")
		if text == "" {
			return nil, nil
		}
	} else {
		text = string(raw)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %s", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("not a finite number: %s", raw)
	}
	return &v, nil
}

func parseInt(raw json.RawMessage) (*int, error) {
	f, err := parseNumber(raw)
	if err != nil || f == nil {
		return nil, err
	}
	i := int(math.Round(*f))
	return &i, nil
}

func parseInt64(raw json.RawMessage) (*int64, error) {
	f, err := parseNumber(raw)
	if err != nil || f == nil {
		return nil, err
	}
	i := int64(math.Round(*f))
	return &i, nil
}

// UnmarshalJSON keeps any scalar status verbatim so an unexpected backend value
// never fails the whole payload.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = JobStatus(str)
		return nil
	}
	*s = JobStatus(data)
	return nil
}

// UnmarshalJSON accepts numbers or numeric strings for percent and current_stage.
// A bare scalar is read as the percent alone.
func (p *ProgressUpdate) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] != '{' {
		percent, err := parseNumber(trimmed)
		if err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		*p = ProgressUpdate{Percent: percent}
		return nil
	}

	var aux struct {
		Percent      json.RawMessage `json:"percent"`
		CurrentStage json.RawMessage `json:"current_stage"`
		StageName    *string         `json:"stage_name"`
		Detail       *string         `json:"detail"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decode progress: %w", err)
	}

	percent, err := parseNumber(aux.Percent)
	if err != nil {
		return fmt.Errorf("decode progress percent: %w", err)
	}
	stage, err := parseInt(aux.CurrentStage)
	if err != nil {
		return fmt.Errorf("decode progress current_stage: %w", err)
	}

	*p = ProgressUpdate{
		Percent:      percent,
		CurrentStage: stage,
		StageName:    aux.StageName,
		Detail:       aux.Detail,
	}
	return nil
}
