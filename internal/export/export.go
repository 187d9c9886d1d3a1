// Package export writes query results as Parquet files, optionally uploading
// them to S3-compatible storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/parquet-go/parquet-go"
)

const ContentType = "application/vnd.apache.parquet"

type parquetRow struct {
	RowIndex int64  `parquet:"row_index"`
	RowJSON  string `parquet:"row_json"`
}

// EncodeRows writes rows as a Parquet file, one JSON document per row.
func EncodeRows(rows []map[string]any) ([]byte, error) {
	out := make([]parquetRow, 0, len(rows))
	for i, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		out = append(out, parquetRow{RowIndex: int64(i), RowJSON: string(payload)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf)
	if _, err := writer.Write(out); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// ObjectStore receives exported files.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error)
}

// Result describes one export. Key is empty when nothing was uploaded.
type Result struct {
	Key         string `json:"key,omitempty"`
	Size        int64  `json:"size"`
	RecordCount int    `json:"record_count"`
	Data        []byte `json:"-"`
}

type Exporter struct {
	store ObjectStore
}

// NewExporter returns an exporter uploading to store. A nil store only encodes.
func NewExporter(store ObjectStore) *Exporter {
	return &Exporter{store: store}
}

// Uploads reports whether exports are written to object storage.
func (e *Exporter) Uploads() bool {
	return e != nil && e.store != nil
}

// Export encodes rows and stores them under <session>/<message>.parquet.
func (e *Exporter) Export(ctx context.Context, sessionID, messageID string, rows []map[string]any) (*Result, error) {
	data, err := EncodeRows(rows)
	if err != nil {
		return nil, err
	}
	res := &Result{Size: int64(len(data)), RecordCount: len(rows), Data: data}
	if !e.Uploads() {
		return res, nil
	}

	key := ObjectKey(sessionID, messageID)
	info, err := e.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ContentType)
	if err != nil {
		return nil, err
	}
	res.Key = info.Key
	if res.Key == "" {
		res.Key = key
	}
	return res, nil
}

// ObjectKey is the relative key of a message export.
func ObjectKey(sessionID, messageID string) string {
	return path.Join(sanitize(sessionID), sanitize(messageID)+".parquet")
}

func sanitize(part string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(part))
}
