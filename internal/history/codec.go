package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/pitabwire/stagehand/model"
)

// EncodeBatch serializes an ordered event batch for the given handler type.
// The zipped handler wraps the JSON document in gzip.
func EncodeBatch(events []model.HistoryEvent, handlerType string) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal event batch: %w", err)
	}

	switch handlerType {
	case model.JobHandlerAsyncHistory:
		return raw, nil
	case model.JobHandlerAsyncHistoryZipped:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("compress event batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("finish compressed batch: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, model.NewIllegalArgumentError(
			fmt.Sprintf("unknown history handler type %q", handlerType),
		)
	}
}

// DecodeBatch deserializes a job payload back into its ordered event batch.
func DecodeBatch(payload []byte, handlerType string) ([]model.HistoryEvent, error) {
	raw := payload
	switch handlerType {
	case model.JobHandlerAsyncHistory:
	case model.JobHandlerAsyncHistoryZipped:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("open compressed batch: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompress event batch: %w", err)
		}
	default:
		return nil, model.NewIllegalArgumentError(
			fmt.Sprintf("unknown history handler type %q", handlerType),
		)
	}

	var events []model.HistoryEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("unmarshal event batch: %w", err)
	}
	return events, nil
}
