package buffer

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGrowable_BasicSendReceive(t *testing.T) {
	buf := New[int](10, 0)

	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestGrowable_GrowAt70Percent(t *testing.T) {
	buf := New[int](10, 0)

	for i := 0; i < 7; i++ {
		buf.Send(i)
	}

	stats := buf.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}
}

func TestGrowable_MaxCapacityDropsOldest(t *testing.T) {
	buf := New[int](4, 8)

	for i := 0; i < 12; i++ {
		buf.Send(i)
	}

	stats := buf.Stats()
	if stats.Capacity != 8 {
		t.Errorf("Capacity = %d, want 8", stats.Capacity)
	}
	if stats.Dropped != 4 {
		t.Errorf("Dropped = %d, want 4", stats.Dropped)
	}

	got := buf.DrainTo(0)
	want := []int{4, 5, 6, 7, 8, 9, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("DrainTo(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGrowable_BlockingReceive(t *testing.T) {
	buf := New[int](10, 0)
	received := make(chan int, 1)

	go func() {
		val, ok := buf.Receive()
		if ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestGrowable_ReceiveContextCancel(t *testing.T) {
	buf := New[int](10, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := buf.ReceiveContext(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("ReceiveContext() returned ok after cancel on empty buffer")
		}
	case <-time.After(time.Second):
		t.Fatal("ReceiveContext did not return after cancel")
	}
}

func TestGrowable_CloseUnblocksReceive(t *testing.T) {
	buf := New[int](10, 0)
	done := make(chan bool, 1)

	go func() {
		_, ok := buf.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive() returned ok on closed empty buffer")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}

	if buf.Send(1) {
		t.Error("Send() on closed buffer returned true")
	}
}

func TestGrowable_DrainTo(t *testing.T) {
	buf := New[int](10, 0)
	for i := 0; i < 10; i++ {
		buf.Send(i)
	}

	items := buf.DrainTo(5)
	if len(items) != 5 {
		t.Errorf("DrainTo(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	items = buf.DrainTo(0)
	if len(items) != 5 {
		t.Errorf("DrainTo(0) returned %d items, want 5", len(items))
	}
	if buf.DrainTo(0) != nil {
		t.Error("DrainTo on empty buffer should return nil")
	}
}

func TestGrowable_ConcurrentSendReceive(t *testing.T) {
	buf := New[int](10, 0)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			buf.Send(i)
		}
	}()

	seen := make(map[int]bool)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			if val, ok := buf.Receive(); ok {
				seen[val] = true
			}
		}
	}()

	wg.Wait()

	for i := 0; i < numItems; i++ {
		if !seen[i] {
			t.Errorf("missing item %d", i)
		}
	}
}

func TestGrowable_WrapAround(t *testing.T) {
	buf := New[int](5, 0)

	buf.Send(1)
	buf.Send(2)
	buf.Send(3)
	buf.TryReceive()
	buf.TryReceive()
	buf.Send(4)
	buf.Send(5)
	buf.Send(6)
	buf.Send(7)
	buf.Send(8)

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestNew_MinCapacity(t *testing.T) {
	if buf := New[int](0, 0); buf.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for initial capacity 0", buf.Cap())
	}
	if buf := New[int](-5, 0); buf.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for negative initial capacity", buf.Cap())
	}
}
