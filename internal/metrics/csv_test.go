package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "samples.csv")

	m1 := model.Sample{Timestamp: time.Unix(1, 0).UTC(), NodeID: "n1", PeerID: "p1", RTTMs: 12}
	m2 := model.Sample{Timestamp: time.Unix(2, 0).UTC(), NodeID: "n1", PeerID: "p2", RTTMs: 15}

	require.NoError(t, AppendCSV(path, []model.Sample{m1}))
	require.NoError(t, AppendCSV(path, []model.Sample{m2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3, string(data))
	require.True(t, strings.HasPrefix(lines[0], "timestamp,"), lines[0])
}

func TestCSV_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []model.Sample{
		{Timestamp: time.Unix(10, 0).UTC(), NodeID: "a", PeerID: "b", RTTMs: 20.5, JitterMs: 1.25, LossPct: 10, HasInternet: true},
		{Timestamp: time.Unix(11, 0).UTC(), NodeID: "a", PeerID: "c", RTTMs: 40},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))

	out, err := readCSV(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSampleLog_FlushAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "samples.csv")
	log := NewSampleLog(path)
	log.Record(model.Sample{Timestamp: time.Unix(1, 0).UTC(), NodeID: "n1", PeerID: "p1", RTTMs: 5})
	require.NoError(t, log.Flush())
	require.NoError(t, log.Flush())

	items, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "p1", items[0].PeerID)
}

func TestSampleLog_NilIsNoop(t *testing.T) {
	t.Parallel()

	var log *SampleLog
	log.Record(model.Sample{})
	require.NoError(t, log.Flush())
}
