package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"vetdesk/internal/domain"
)

const maxBatchAdvisories = 256

// decodeSingleAdvisory decodes one advisory and rejects trailing JSON tokens.
// Params: json decoder for a single advisory object.
// Returns: validated advisory or decode error.
func decodeSingleAdvisory(decoder *json.Decoder) (domain.Advisory, error) {
	advisory, err := domain.DecodeAdvisoryReader(decoder)
	if err != nil {
		return domain.Advisory{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.Advisory{}, err
	}
	return advisory, nil
}

// decodeBatchAdvisories decodes one advisory array and rejects trailing JSON tokens.
// Params: json decoder for a single array payload.
// Returns: validated advisories or decode error naming the bad element.
func decodeBatchAdvisories(decoder *json.Decoder) ([]domain.Advisory, error) {
	var advisories []domain.Advisory
	if err := decoder.Decode(&advisories); err != nil {
		return nil, fmt.Errorf("decode advisory batch: %w", err)
	}
	if len(advisories) == 0 {
		return nil, errors.New("advisory batch must contain at least one advisory")
	}
	if len(advisories) > maxBatchAdvisories {
		return nil, fmt.Errorf("advisory batch exceeds %d items", maxBatchAdvisories)
	}
	for i := range advisories {
		if err := advisories[i].Validate(); err != nil {
			return nil, fmt.Errorf("advisory[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return advisories, nil
}

// decodeAdvisoryPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated advisories and whether the payload was a batch.
func decodeAdvisoryPayload(raw []byte) ([]domain.Advisory, bool, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, false, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		advisories, err := decodeBatchAdvisories(decoder)
		return advisories, true, err
	}
	advisory, err := decodeSingleAdvisory(decoder)
	if err != nil {
		return nil, false, err
	}
	return []domain.Advisory{advisory}, false, nil
}

func jsonDecoder(raw []byte) *json.Decoder {
	return json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
