package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/queue"
	"github.com/stretchr/testify/suite"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

type QueueTestSuite struct {
	suite.Suite
}

func (suite *QueueTestSuite) TestAppendDispatchesFirstItemSynchronously() {
	// GOAL: Verify the first item appended to an empty queue is dispatched
	// synchronously on the caller's goroutine
	//
	// TEST SCENARIO: Append to empty queue → execute callback fires before Append returns

	var executed []int
	q := queue.New(func(v int) {
		executed = append(executed, v)
	})

	q.Append(1)

	suite.Equal([]int{1}, executed, "first item MUST be dispatched synchronously")
	suite.Equal(1, q.Len(), "item MUST remain queued until Next is called")
}

func (suite *QueueTestSuite) TestSingleInFlightOrdering() {
	// GOAL: Verify N appended items are executed exactly N times, once each,
	// in submission order, with never two items concurrently active
	//
	// TEST SCENARIO: Append N items → complete each via Next → execution order equals submission order

	const n = 100

	var executed []int
	var active int
	var maxActive int

	q := queue.New(func(v int) {
		active++
		if active > maxActive {
			maxActive = active
		}
		executed = append(executed, v)
	})

	for i := 0; i < n; i++ {
		q.Append(i)
	}

	// Only the head has executed so far; drain the rest.
	for i := 0; i < n; i++ {
		active--
		q.Next()
	}

	suite.Len(executed, n, "every item MUST execute exactly once")
	for i, v := range executed {
		suite.Equal(i, v, "execution order MUST equal submission order")
	}
	suite.Equal(1, maxActive, "at most one item MUST be active at a time")
	suite.Equal(0, q.Len(), "queue MUST be empty after draining")
}

func (suite *QueueTestSuite) TestFirstReturnsActiveItem() {
	// GOAL: Verify First exposes the active item for completion reconciliation
	//
	// TEST SCENARIO: Append two items → First returns head → Next → First returns second

	q := queue.New(func(int) {})

	_, ok := q.First()
	suite.False(ok, "First on empty queue MUST report not ok")

	q.Append(10)
	q.Append(20)

	head, ok := q.First()
	suite.True(ok)
	suite.Equal(10, head, "First MUST return the active head")

	q.Next()

	head, ok = q.First()
	suite.True(ok)
	suite.Equal(20, head, "First MUST return the new head after Next")
}

func (suite *QueueTestSuite) TestRemoveAllDropsQueuedItemsWithoutDispatch() {
	// GOAL: Verify RemoveAll discards pending items without executing them and
	// orphans the in-flight item
	//
	// TEST SCENARIO: Append three items → RemoveAll → late Next is a no-op and
	// dispatches nothing

	var executed []int
	q := queue.New(func(v int) {
		executed = append(executed, v)
	})

	q.Append(1)
	q.Append(2)
	q.Append(3)

	q.RemoveAll()
	suite.Equal(0, q.Len(), "RemoveAll MUST empty the queue")

	// Late completion of the orphaned head.
	q.Next()

	suite.Equal([]int{1}, executed, "queued-but-not-dispatched items MUST never execute")
}

func (suite *QueueTestSuite) TestConcurrentAppendsAllExecute() {
	// GOAL: Verify items appended from many goroutines each execute exactly once
	//
	// TEST SCENARIO: Concurrent appends with self-advancing execute → all items observed

	const n = 200

	var mu sync.Mutex
	seen := make(map[int]int)

	var q *queue.Queue[int]
	q = queue.New(func(v int) {
		mu.Lock()
		seen[v]++
		mu.Unlock()
		// Complete asynchronously, as a transport callback would.
		go q.Next()
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Append(v)
		}(i)
	}
	wg.Wait()

	suite.Eventually(func() bool {
		return q.Len() == 0
	}, waitTimeout, pollInterval, "queue MUST eventually drain")

	mu.Lock()
	defer mu.Unlock()
	suite.Len(seen, n, "every appended item MUST execute")
	for v, count := range seen {
		suite.Equal(1, count, "item %d MUST execute exactly once", v)
	}
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
