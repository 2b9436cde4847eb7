package taskqueue

import (
	"testing"
	"time"

	"github.com/petrijr/canvas/pkg/api"
)

func TestEncodeDecodeJob_ContinuationSurvives(t *testing.T) {
	kw := api.ChainContinuation{
		ChainID: "chain-1",
		Remaining: []api.TaskDescriptor{{
			Version:  api.DescriptorVersion,
			TaskName: "mul",
			Kwargs:   api.Kwargs{"factor": 2},
			Options:  api.Options{Queue: "math"},
		}},
	}.Attach(api.Kwargs{"a": 2})

	data, err := EncodeJob(Job{ID: "j1", TaskName: "add", Kwargs: kw, EnqueuedAt: time.Now()})
	if err != nil {
		t.Fatalf("EncodeJob failed: %v", err)
	}
	got, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob failed: %v", err)
	}

	cont, err := api.DecodeChain(got.Kwargs)
	if err != nil {
		t.Fatalf("DecodeChain failed: %v", err)
	}
	if cont == nil || cont.ChainID != "chain-1" || len(cont.Remaining) != 1 {
		t.Fatalf("unexpected continuation: %+v", cont)
	}
	next := cont.Remaining[0]
	if next.TaskName != "mul" || next.Options.Queue != "math" || next.Kwargs["factor"] != float64(2) {
		t.Fatalf("unexpected descriptor: %+v", next)
	}
}

func TestEncodeJob_RejectsUnencodableKwargs(t *testing.T) {
	if _, err := EncodeJob(Job{ID: "j1", Kwargs: api.Kwargs{"ch": make(chan int)}}); err == nil {
		t.Fatalf("expected error for non-JSON kwargs")
	}
}

func TestDecodeJob_Garbage(t *testing.T) {
	if _, err := DecodeJob([]byte("not json")); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}

func TestJob_Ready(t *testing.T) {
	now := time.Now()
	if !(Job{}).Ready(now) {
		t.Fatalf("zero NotBefore must be ready")
	}
	if !(Job{NotBefore: now}).Ready(now) {
		t.Fatalf("NotBefore == now must be ready")
	}
	if (Job{NotBefore: now.Add(time.Minute)}).Ready(now) {
		t.Fatalf("future NotBefore must not be ready")
	}
}
