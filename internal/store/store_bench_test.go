package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func BenchmarkInsert(b *testing.B) {
	b.ReportAllocs()
	s, err := Open(filepath.Join(b.TempDir(), "bench.jsonl"))
	if err != nil {
		b.Fatalf("open failed: %v", err)
	}

	lat := make([]int64, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := Message{
			MessageID: fmt.Sprintf("bench-%d", i),
			ChannelID: "bench",
			SenderID:  "bench-peer",
			Body:      "insert-throughput-latency",
			Timestamp: "2026-01-01T10:00:00Z",
		}
		start := time.Now()
		inserted, err := s.Insert(m)
		if err != nil {
			b.Fatalf("insert failed: %v", err)
		}
		if !inserted {
			b.Fatalf("fresh id reported duplicate: %s", m.MessageID)
		}
		lat = append(lat, time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	p99 := lat[(len(lat)*99)/100]
	b.ReportMetric(float64(p99), "p99-ns/op")
	b.ReportMetric(float64(lat[len(lat)-1]), "max-ns/op")
}

func BenchmarkExistsDuplicateCheck(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.jsonl"))
	if err != nil {
		b.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 1024; i++ {
		m := Message{
			MessageID: fmt.Sprintf("seed-%d", i),
			ChannelID: "bench",
			SenderID:  "bench-peer",
			Body:      "seed",
			Timestamp: "2026-01-01T10:00:00Z",
		}
		if _, err := s.Insert(m); err != nil {
			b.Fatalf("seed insert failed: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !s.Exists(fmt.Sprintf("seed-%d", i%1024)) {
			b.Fatalf("seeded id missing")
		}
	}
}
