package history

import "testing"

func TestSnapshotPublisherDeliversToSingleObserver(testContext *testing.T) {
	publisher := NewSnapshotPublisher()

	var first, second []Phase
	publisher.Subscribe(func(state LoadState) { first = append(first, state.Phase) })
	publisher.Publish(LoadState{Phase: PhaseLoading})

	unsubscribeSecond := publisher.Subscribe(func(state LoadState) { second = append(second, state.Phase) })
	publisher.Publish(LoadState{Phase: PhaseLoaded})

	if len(first) != 1 || first[0] != PhaseLoading {
		testContext.Fatalf("replaced observer received %v", first)
	}
	if len(second) != 1 || second[0] != PhaseLoaded {
		testContext.Fatalf("current observer received %v", second)
	}

	unsubscribeSecond()
	publisher.Publish(LoadState{Phase: PhaseFailed})
	if len(second) != 1 {
		testContext.Fatalf("unsubscribed observer still receives snapshots")
	}
	if publisher.Latest().Phase != PhaseFailed {
		testContext.Fatalf("expected latest snapshot to be recorded without an observer")
	}
}

func TestSnapshotPublisherStaleUnsubscribeKeepsNewerObserver(testContext *testing.T) {
	publisher := NewSnapshotPublisher()

	unsubscribeFirst := publisher.Subscribe(func(LoadState) {})
	received := 0
	publisher.Subscribe(func(LoadState) { received++ })
	unsubscribeFirst()

	publisher.Publish(LoadState{Phase: PhaseLoading})
	if received != 1 {
		testContext.Fatalf("expected newer observer to remain subscribed")
	}
}

func TestSnapshotPublisherObserverMayUnsubscribeDuringDelivery(testContext *testing.T) {
	publisher := NewSnapshotPublisher()

	var unsubscribe func()
	calls := 0
	unsubscribe = publisher.Subscribe(func(LoadState) {
		calls++
		unsubscribe()
	})

	publisher.Publish(LoadState{Phase: PhaseLoading})
	publisher.Publish(LoadState{Phase: PhaseLoaded})
	if calls != 1 {
		testContext.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func TestSnapshotPublisherDetach(testContext *testing.T) {
	publisher := NewSnapshotPublisher()
	if publisher.Latest().Phase != PhaseIdle {
		testContext.Fatalf("expected idle initial snapshot")
	}

	received := 0
	publisher.Subscribe(func(LoadState) { received++ })
	publisher.Detach()
	publisher.Publish(LoadState{Phase: PhaseLoading})
	if received != 0 {
		testContext.Fatalf("detached observer received a snapshot")
	}
}
