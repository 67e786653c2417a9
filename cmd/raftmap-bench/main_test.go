package main

import (
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	lat := []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	res := summarize(lat, 2, 1, time.Second)

	if res.TotalOps != 3 || res.SuccessfulOps != 2 || res.FailedOps != 1 {
		t.Fatalf("unexpected counters %+v", res)
	}
	if res.MinLatency != time.Millisecond || res.MaxLatency != 3*time.Millisecond {
		t.Fatalf("unexpected min/max %+v", res)
	}
	if res.AvgLatency != 2*time.Millisecond || res.OpsPerSec != 2 {
		t.Fatalf("unexpected avg/throughput %+v", res)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if res := summarize(nil, 0, 0, time.Second); res.TotalOps != 0 || res.OpsPerSec != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}
