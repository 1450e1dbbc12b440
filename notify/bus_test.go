package notify

import (
	"context"
	"testing"
	"time"

	"github.com/orchcmd/orchcmd/workflow"
)

func TestBusSubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	stepCh, cancelStep := bus.Subscribe(workflow.EventStepSucceeded|workflow.EventStepFailed, 4)
	defer cancelStep()
	allCh, cancelAll := bus.Subscribe(workflow.EventAll, 4)
	defer cancelAll()

	events := []*workflow.Event{
		{EventFlag: workflow.EventWorkflowStarted, InstanceID: "I1"},
		{EventFlag: workflow.EventStepSucceeded, InstanceID: "I1", StepID: "a"},
		{EventFlag: workflow.EventWorkflowCompleted, InstanceID: "I1"},
	}
	for _, ev := range events {
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	// masked subscriber sees only the step event
	select {
	case ev := <-stepCh:
		if have, want := ev.EventFlag, workflow.EventStepSucceeded; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for step event")
	}
	select {
	case ev := <-stepCh:
		t.Errorf("unexpected event: %v", ev.EventFlag)
	default:
	}

	// unmasked subscriber sees everything in publish order
	for _, want := range events {
		select {
		case ev := <-allCh:
			if ev.EventFlag != want.EventFlag {
				t.Errorf("have: %v, want: %v", ev.EventFlag, want.EventFlag)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestBusDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	// unbuffered-ish subscriber that never reads
	_, cancel := bus.Subscribe(workflow.EventAll, 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(ctx, &workflow.Event{
				EventFlag:  workflow.EventStepStarted,
				InstanceID: "I1",
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(workflow.EventAll, 1)
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	// publish after cancel must not panic
	if err := bus.Publish(context.Background(), &workflow.Event{
		EventFlag:  workflow.EventStepStarted,
		InstanceID: "I1",
	}); err != nil {
		t.Fatal(err)
	}
}
