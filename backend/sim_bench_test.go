package backend

import (
	"context"
	"fmt"
	"testing"

	npurt "github.com/ehrlich-b/go-npurt"
	"github.com/ehrlich-b/go-npurt/internal/logging"
)

// BenchmarkSimSubmit measures submit-to-retire throughput against the simulator
func BenchmarkSimSubmit(b *testing.B) {
	logging.SetDefault(logging.Nop())
	depths := []int{16, 256, 1024}

	for _, depth := range depths {
		b.Run(fmt.Sprintf("depth%d", depth), func(b *testing.B) {
			sim := NewSim(SimConfig{})
			dev, err := npurt.Init(1, testConfig(depth), sim, nil)
			if err != nil {
				b.Fatal(err)
			}
			if err := dev.Start(); err != nil {
				b.Fatal(err)
			}
			s, err := dev.StreamCreate(nil, npurt.StreamOptions{})
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.SubmitTask(context.Background(), npurt.TaskSpec{Kind: npurt.KindNop}); err != nil {
					b.Fatalf("SubmitTask failed: %v", err)
				}
			}
			if err := s.SynchronizeAll(context.Background(), 0); err != nil {
				b.Fatal(err)
			}
			b.StopTimer()

			_ = s.Destroy(context.Background(), false)
			_ = dev.Close()
		})
	}
}

// BenchmarkSimSubmitArgs measures submission with pooled and overflow arguments
func BenchmarkSimSubmitArgs(b *testing.B) {
	logging.SetDefault(logging.Nop())
	sizes := []int{64, 512, 4096}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			sim := NewSim(SimConfig{})
			dev, err := npurt.Init(1, testConfig(256), sim, nil)
			if err != nil {
				b.Fatal(err)
			}
			if err := dev.Start(); err != nil {
				b.Fatal(err)
			}
			s, err := dev.StreamCreate(nil, npurt.StreamOptions{})
			if err != nil {
				b.Fatal(err)
			}
			args := make([]byte, size)

			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.SubmitTask(context.Background(), npurt.TaskSpec{Kind: npurt.KindMemcpy, Args: args}); err != nil {
					b.Fatalf("SubmitTask failed: %v", err)
				}
			}
			if err := s.SynchronizeAll(context.Background(), 0); err != nil {
				b.Fatal(err)
			}
			b.StopTimer()

			_ = s.Destroy(context.Background(), false)
			_ = dev.Close()
		})
	}
}
