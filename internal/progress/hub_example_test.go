package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		RunID:  UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:     time.Unix(0, 0),
		Stage:  StageRunStart,
		Target: 100,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that tracks the furthest progress seen.
func ExampleSink() {
	var furthest int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Current > furthest {
				furthest = evt.Current
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000002"))
	for unit := 1; unit <= 3; unit++ {
		hub.Emit(Event{
			RunID:   runID,
			TS:      time.Unix(int64(unit), 0),
			Stage:   StageRunAdvance,
			Current: int64(unit * 10),
			Target:  100,
			Unit:    unit,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("furthest progress: %d\n", furthest)
	// Output:
	// furthest progress: 30
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
