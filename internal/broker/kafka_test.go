package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeReader hands out its messages and then cancels the run.
type fakeReader struct {
	msgs      []kafka.Message
	errs      []error
	committed []kafka.Message
	cancel    context.CancelFunc
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// recordingHandler returns failures in order, then err for every later call.
type recordingHandler struct {
	mu       sync.Mutex
	reports  []models.JobReport
	failures []error
	err      error
}

func (h *recordingHandler) Report(_ context.Context, r models.JobReport) (models.JobOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
	if len(h.failures) > 0 {
		err := h.failures[0]
		h.failures = h.failures[1:]
		return models.JobOutcome{}, err
	}
	if h.err != nil {
		return models.JobOutcome{}, h.err
	}
	return models.JobOutcome{JobID: r.JobID, State: models.JobCompleted}, nil
}

func TestAnnouncer_Announce(t *testing.T) {
	w := &fakeWriter{}
	a := &Announcer{writer: w, log: logger.Nop()}

	jobs := []models.JobDescriptor{
		{JobID: "j1", RequestID: "r1", ProductName: "Margherita", ImageURL: "http://x/1.jpg", WebhookURL: "http://api/api/webhook/job-complete/j1"},
		{JobID: "j2", RequestID: "r1", ProductName: "Diavola", ImageURL: "http://x/2.jpg"},
	}
	require.NoError(t, a.Announce(context.Background(), jobs))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "j1", string(w.msgs[0].Key))

	var got models.JobDescriptor
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, jobs[0], got)

	require.NoError(t, a.Announce(context.Background(), nil))
	assert.Len(t, w.msgs, 2)

	w.err = errors.New("leader not available")
	assert.Error(t, a.Announce(context.Background(), jobs))

	require.NoError(t, a.Close())
	assert.True(t, w.closed)
}

func TestResultConsumer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed, _ := json.Marshal(models.JobReport{JobID: "j1", Status: "completed", ProcessedURL: "p", WatermarkedURL: "w"})
	keyed, _ := json.Marshal(models.JobReport{Status: "failed", Reason: "404"})
	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Value: completed},
			{Value: []byte("{not json")},
			{Key: []byte("j2"), Value: keyed},
		},
	}
	handler := &recordingHandler{}
	c := &ResultConsumer{reader: reader, handler: handler, log: logger.Nop()}

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	require.Len(t, handler.reports, 2)
	assert.Equal(t, "j1", handler.reports[0].JobID)
	assert.Equal(t, "j2", handler.reports[1].JobID)
	assert.Equal(t, "404", handler.reports[1].Reason)
	assert.Len(t, reader.committed, 3)
	assert.True(t, reader.closed)
}

func TestResultConsumer_KeepsGoingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, _ := json.Marshal(models.JobReport{JobID: "j1", Status: "completed", ProcessedURL: "p", WatermarkedURL: "w"})
	reader := &fakeReader{
		cancel: cancel,
		errs:   []error{errors.New("coordinator not available")},
		msgs:   []kafka.Message{{Value: report}, {Value: report}},
	}
	handler := &recordingHandler{err: fmt.Errorf("x: %w", models.ErrInvalidTransition)}
	c := &ResultConsumer{reader: reader, handler: handler, log: logger.Nop()}

	c.Run(ctx)
	assert.Len(t, handler.reports, 2)
	// rejected results are settled and committed
	assert.Len(t, reader.committed, 2)
}

func TestResultConsumer_RetriesWhileStorageIsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := json.Marshal(models.JobReport{JobID: "j1", Status: "completed", ProcessedURL: "http://cdn/p", WatermarkedURL: "http://cdn/w"})
	second, _ := json.Marshal(models.JobReport{JobID: "j2", Status: "failed", Reason: "404"})
	reader := &fakeReader{
		cancel: cancel,
		msgs:   []kafka.Message{{Offset: 1, Value: first}, {Offset: 2, Value: second}},
	}
	down := fmt.Errorf("storage.TransitionJob: %w: connection refused", models.ErrStorageUnavailable)
	handler := &recordingHandler{failures: []error{down, down}}
	c := &ResultConsumer{reader: reader, handler: handler, log: logger.Nop()}

	c.Run(ctx)

	require.Len(t, handler.reports, 4)
	for _, r := range handler.reports[:3] {
		assert.Equal(t, "j1", r.JobID)
	}
	assert.Equal(t, "j2", handler.reports[3].JobID)

	require.Len(t, reader.committed, 2)
	assert.Equal(t, int64(1), reader.committed[0].Offset)
	assert.Equal(t, int64(2), reader.committed[1].Offset)
}

func TestResultConsumer_StopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	report, _ := json.Marshal(models.JobReport{JobID: "j1", Status: "completed", ProcessedURL: "http://cdn/p", WatermarkedURL: "http://cdn/w"})
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{{Value: report}}}
	handler := &recordingHandler{err: fmt.Errorf("x: %w", models.ErrStorageUnavailable)}
	c := &ResultConsumer{reader: reader, handler: handler, retryDelay: 10 * time.Millisecond, log: logger.Nop()}

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.reports) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.committed)
}
