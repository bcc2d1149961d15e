package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"meshlink/internal/model"
)

var csvHeader = []string{
	"timestamp",
	"node_id",
	"peer_id",
	"rtt_ms",
	"jitter_ms",
	"loss_pct",
	"has_internet",
}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Sample) error {
	return writeCSV(w, items, true)
}

// AppendCSV appends samples to the file at path, writing the header only
// when the file is new or empty.
func AppendCSV(path string, items []model.Sample) error {
	if len(items) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	return writeCSV(file, items, info.Size() == 0)
}

func writeCSV(w io.Writer, items []model.Sample, header bool) error {
	writer := csv.NewWriter(w)

	if header {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}

	for _, m := range items {
		record := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.NodeID,
			m.PeerID,
			strconv.FormatFloat(m.RTTMs, 'f', 3, 64),
			strconv.FormatFloat(m.JitterMs, 'f', 3, 64),
			strconv.FormatFloat(m.LossPct, 'f', 3, 64),
			strconv.FormatBool(m.HasInternet),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
