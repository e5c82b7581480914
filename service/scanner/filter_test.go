package scanner

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		amount uint64
		want   bool
	}{
		{"range lower bound", RangeFilter(sol, 2*sol), sol, true},
		{"range upper bound", RangeFilter(sol, 2*sol), 2 * sol, true},
		{"range below", RangeFilter(sol, 2*sol), sol - 1, false},
		{"range above", RangeFilter(sol, 2*sol), 2*sol + 1, false},
		{"target exact", TargetFilter(10*sol, 5), 10 * sol, true},
		{"target at tolerance", TargetFilter(10*sol, 5), 95 * sol / 10, true},
		{"target outside tolerance", TargetFilter(10*sol, 5), 94 * sol / 10, false},
		{"zero tolerance", TargetFilter(10*sol, 0), 10*sol + 1, false},
		{"unknown kind", Filter{Kind: "weird"}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.amount))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, RangeFilter(1, 1).Validate())
	assert.NoError(t, TargetFilter(5, 0).Validate())
	assert.ErrorIs(t, RangeFilter(2, 1).Validate(), ErrInvalidFilter)
	assert.ErrorIs(t, TargetFilter(5, -1).Validate(), ErrInvalidFilter)
	assert.ErrorIs(t, Filter{}.Validate(), ErrInvalidFilter)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name             string
		min, max, target string
		tolerance        float64
		want             Filter
		wantErr          bool
	}{
		{name: "range", min: "0.5", max: "2", want: RangeFilter(500_000_000, 2_000_000_000)},
		{name: "target", target: "1.25", tolerance: 5, want: TargetFilter(1_250_000_000, 5)},
		{name: "target with min", min: "1", target: "2", wantErr: true},
		{name: "missing max", min: "1", wantErr: true},
		{name: "nothing", wantErr: true},
		{name: "inverted range", min: "3", max: "1", wantErr: true},
		{name: "bad amount", min: "abc", max: "1", wantErr: true},
		{name: "negative tolerance", target: "1", tolerance: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilter(tt.min, tt.max, tt.target, tt.tolerance)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSources(t *testing.T) {
	sources, err := ParseSources([]byte(`{"okx": ["b"], "binance": ["a1", "a2"], "empty": []}`))
	require.NoError(t, err)
	assert.Equal(t, []Source{
		{Name: "binance", Accounts: []string{"a1", "a2"}},
		{Name: "okx", Accounts: []string{"b"}},
	}, sources)

	_, err = ParseSources([]byte(`["not", "a", "map"]`))
	assert.Error(t, err)
}

func TestSourcesFromMap(t *testing.T) {
	got := SourcesFromMap(map[string][]string{"z": {"1"}, "a": {"2"}, "none": nil})
	assert.Equal(t, []Source{
		{Name: "a", Accounts: []string{"2"}},
		{Name: "z", Accounts: []string{"1"}},
	}, got)
	assert.Empty(t, SourcesFromMap(nil))
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"kraken": ["k"]}`), 0o600))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	assert.Equal(t, []Source{{Name: "kraken", Accounts: []string{"k"}}}, sources)

	_, err = LoadSources(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSelectSources(t *testing.T) {
	all := []Source{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got, err := SelectSources(all, nil)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	got, err = SelectSources(all, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []Source{{Name: "c"}, {Name: "a"}}, got)

	_, err = SelectSources(all, []string{"nope"})
	assert.Error(t, err)
}

func TestCacheWriteOnce(t *testing.T) {
	c := NewCache()
	first := &detector.Result{Account: "D", Reason: "first"}
	second := &detector.Result{Account: "D", Reason: "second"}

	assert.True(t, c.Put("D", first))
	assert.False(t, c.Put("D", second))

	got, ok := c.Get("D")
	require.True(t, ok)
	assert.Same(t, first, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Hits())
}

func TestMultiProgressFansOut(t *testing.T) {
	a, b := &recordingProgress{}, &recordingProgress{}
	var buf bytes.Buffer
	logSink := LogProgress{Logger: slog.New(slog.NewTextHandler(&buf, nil)), ScanID: "scan-1"}
	m := MultiProgress{a, b, NopProgress{}, logSink}

	ctx := context.Background()
	m.Phase(ctx, PhaseAnalyzing)
	m.Counters(ctx, Counters{Detections: 3})
	m.Log(ctx, "hello")

	for _, p := range []*recordingProgress{a, b} {
		assert.Equal(t, []Phase{PhaseAnalyzing}, p.phases)
		assert.Equal(t, []Counters{{Detections: 3}}, p.counters)
		assert.Equal(t, []string{"hello"}, p.logs)
	}
	assert.Contains(t, buf.String(), "scan_id=scan-1")
	assert.Contains(t, buf.String(), "phase=analyzing")
}
