package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Each test gets its own namespace so registrations on the default
// registry never collide.
var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.matchDecisionsTotal)
	assert.NotNil(t, collector.executionsTotal)
	assert.NotNil(t, collector.sessionTransitions)
	assert.NotNil(t, collector.httpRequestsTotal)
}

func TestCollector_RecordMatchDecision(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordMatchDecision("select-element", "auto_execute", 0.95)
	collector.RecordMatchDecision("select-element", "no_match", 0)

	count := testutil.CollectAndCount(collector.matchDecisionsTotal)
	assert.Greater(t, count, 0)

	// A zero best score (no candidates) is not observed.
	scoreCount := testutil.CollectAndCount(collector.matchScore)
	assert.Equal(t, 1, scoreCount)
}

func TestCollector_RecordExecution(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordExecution("fill-text", true, 120*time.Millisecond)
	collector.RecordExecution("fill-text", false, 10*time.Second)

	count := testutil.CollectAndCount(collector.executionsTotal)
	assert.Equal(t, 2, count)
}

func TestCollector_RecordSessionTransition(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSessionTransition("idle", "awaiting_user_decision")
	collector.RecordPatternLearned()

	assert.Greater(t, testutil.CollectAndCount(collector.sessionTransitions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.patternsLearned), 0)
}

func TestCollector_RecordStoreStats(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStoreStats(42, 1.17)

	assert.Equal(t, 42.0, testutil.ToFloat64(collector.patternsStored))
	assert.InDelta(t, 1.17, testutil.ToFloat64(collector.avgConfidence), 1e-9)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/healthz", 200, 5*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/patterns/import", 500, 80*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}

func TestCollector_NilIsNoOp(t *testing.T) {
	var collector *Collector

	// Must not panic.
	collector.RecordMatchDecision("fill-text", "no_match", 0)
	collector.RecordExecution("fill-text", true, time.Second)
	collector.RecordSessionTransition("idle", "recording")
	collector.RecordPatternLearned()
	collector.RecordStoreStats(0, 0)
	collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordMatchDecision("fill-text", "prompt_user", 0.6)
			collector.RecordExecution("fill-text", true, 100*time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.matchDecisionsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.executionsTotal), 0)
}
