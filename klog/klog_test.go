package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(WARN)
	l.Info("sched", "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}
	l.Warn("sched", "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestDmesgRingWraps(t *testing.T) {
	l := NewDiscard()
	l.ringCap = 4
	l.ring = make([]Record, 4)
	l.SetLevel(DEBUG)
	for i := 0; i < 6; i++ {
		l.Debug("task", "msg")
	}
	recs := l.Dmesg()
	if len(recs) != 4 {
		t.Fatalf("expected ring capped at 4, got %d", len(recs))
	}
}

func TestKVFormatting(t *testing.T) {
	p := KV("tid", 42)
	if p.Name != "tid" || p.Value != "42" {
		t.Fatalf("unexpected KV param: %+v", p)
	}
}
