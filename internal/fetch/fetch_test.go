package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/testutil"
	"github.com/HerbHall/vigil/pkg/check"
)

func staticFetcher(secs ...check.RawSection) pipeline.Fetcher {
	return pipeline.FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
		return secs, nil
	})
}

func failingFetcher(err error) pipeline.Fetcher {
	return pipeline.FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
		return nil, err
	})
}

func TestDir_Fetch(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "srv1"), 0o755); err != nil {
		t.Fatal(err)
	}
	data := "<<<ipmi_sensors:sep(124)>>>\nFan 1|3200 RPM|ok\nPSU 2|0 W|cr\n"
	if err := os.WriteFile(filepath.Join(root, "srv1", "ipmi.txt"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	d := NewDir(root)

	secs, err := d.Fetch(context.Background(), testutil.NewHost("srv1"), check.OriginIPMI)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(secs) != 1 || len(secs[0].Records) != 2 || secs[0].Records[1][2] != "cr" {
		t.Errorf("Fetch() = %+v", secs)
	}

	_, err = d.Fetch(context.Background(), testutil.NewHost("srv1"), check.OriginMgmt)
	if !errors.Is(err, pipeline.ErrSourceUnavailable) {
		t.Errorf("missing file error = %v, want ErrSourceUnavailable", err)
	}
}

func TestDir_PathStaysInRoot(t *testing.T) {
	d := NewDir("/data")
	if got := d.Path("../../etc", check.OriginAgent); got != filepath.Join("/data", "etc", "agent.txt") {
		t.Errorf("Path() = %q", got)
	}
}

func TestMerge(t *testing.T) {
	a := testutil.Section("df", "", []string{"/"})
	b := testutil.Section(PingSection, "", []string{"0.4", "0.0", "3", "3"})
	host := testutil.NewHost("srv1")

	tests := []struct {
		name     string
		parts    []pipeline.Fetcher
		wantSecs int
		wantErr  error
		anyErr   bool
	}{
		{"all succeed", []pipeline.Fetcher{staticFetcher(a), staticFetcher(b)}, 2, nil, false},
		{"one fails", []pipeline.Fetcher{failingFetcher(errors.New("refused")), staticFetcher(b)}, 1, nil, false},
		{"all unavailable", []pipeline.Fetcher{failingFetcher(pipeline.ErrSourceUnavailable), failingFetcher(pipeline.ErrSourceUnavailable)}, 0, pipeline.ErrSourceUnavailable, true},
		{"all fail", []pipeline.Fetcher{failingFetcher(errors.New("refused")), failingFetcher(pipeline.ErrSourceUnavailable)}, 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secs, err := Merge(tt.parts...).Fetch(context.Background(), host, check.OriginAgent)
			if (err != nil) != tt.anyErr {
				t.Fatalf("Fetch() error = %v, want error %v", err, tt.anyErr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
			if len(secs) != tt.wantSecs {
				t.Errorf("Fetch() = %d sections, want %d", len(secs), tt.wantSecs)
			}
		})
	}
}

func TestNewLimited_Disabled(t *testing.T) {
	inner := staticFetcher()
	if got := NewLimited(inner, LimitConfig{}); got == nil {
		t.Fatal("NewLimited() = nil")
	} else if _, ok := got.(*Limited); ok {
		t.Error("NewLimited() with zero RPS wrapped the fetcher")
	}
}

func TestLimited_PerTarget(t *testing.T) {
	var calls atomic.Int64
	inner := pipeline.FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
		calls.Add(1)
		return nil, nil
	})
	f := NewLimited(inner, LimitConfig{RPS: 0.001, Burst: 1})

	hostA := testutil.NewHost("a")
	hostB := testutil.NewHost("b")
	if _, err := f.Fetch(context.Background(), hostA, check.OriginAgent); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// A different target has its own bucket.
	if _, err := f.Fetch(context.Background(), hostB, check.OriginAgent); err != nil {
		t.Fatalf("other target fetch: %v", err)
	}

	// The same target must wait far longer than the deadline allows.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(ctx, hostA, check.OriginAgent); err == nil {
		t.Error("second fetch of the same target was not limited")
	}
	if c := calls.Load(); c != 2 {
		t.Errorf("inner fetcher called %d times, want 2", c)
	}
}

func TestPingRecord(t *testing.T) {
	sec := PingRecord(&probing.Statistics{
		PacketsSent: 3,
		PacketsRecv: 2,
		PacketLoss:  33.33333,
		AvgRtt:      1500 * time.Microsecond,
	})
	if sec.Name != PingSection || len(sec.Records) != 1 {
		t.Fatalf("PingRecord() = %+v", sec)
	}
	want := []string{"1.500", "33.3", "3", "2"}
	for i, w := range want {
		if sec.Records[0][i] != w {
			t.Errorf("field %d = %q, want %q", i, sec.Records[0][i], w)
		}
	}
}
