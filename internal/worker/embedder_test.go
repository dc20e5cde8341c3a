package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentcloud/vector-proxy/internal/worker"
)

const testModel = worker.ModelRef("text-embedding-3-small")

func newTestDispatcher(t *testing.T, r worker.ConfigResolver, e worker.EmbeddingModel, s worker.VectorStore) *worker.Dispatcher {
	t.Helper()
	d, err := worker.NewDispatcher(r, e, s, "test-salt", worker.WithConcurrency(4))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestEmbedTextConstructPoint(t *testing.T) {
	ctx := context.Background()

	t.Run("PromotesField", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))

		e.On("Embed", mock.Anything, "S1", testModel, []string{"hello"}).
			Return([][]float32{{0.1, 0.2}, {0.9}}, nil)

		md := worker.Metadata{"id": "42", "body": "hello", "index": "abc"}
		p, err := d.EmbedTextConstructPoint(ctx, md, "body", "S1", testModel, nil)
		require.NoError(t, err)

		assert.Equal(t, []float32{0.1, 0.2}, p.Vector)
		require.NotNil(t, p.ID)
		assert.Equal(t, "abc", *p.ID)
		assert.Equal(t, "hello", p.Payload[worker.PageContentKey])
		assert.NotContains(t, p.Payload, "body")
		// The caller's record is left untouched.
		assert.Equal(t, "hello", md["body"])
		assert.NotContains(t, md, worker.PageContentKey)
		e.AssertExpectations(t)
	})

	t.Run("NoIndex", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))
		e.On("Embed", mock.Anything, "S1", testModel, []string{"hi"}).Return([][]float32{{1}}, nil)

		p, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"body": "hi"}, "body", "S1", testModel, nil)
		require.NoError(t, err)
		assert.Nil(t, p.ID)
	})

	t.Run("ChunkingHookUsesRawValue", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))
		e.On("Embed", mock.Anything, "S1", testModel, []string{"long text"}).Return([][]float32{{1}}, nil)

		chunking := &worker.ChunkingConfig{Strategy: "by_title", MaxCharacters: 500}
		p, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"body": "long text"}, "body", "S1", testModel, chunking)
		require.NoError(t, err)
		assert.Equal(t, "long text", p.Payload[worker.PageContentKey])
	})

	t.Run("MissingSourceID", func(t *testing.T) {
		d := newTestDispatcher(t, new(MockResolver), new(MockEmbedder), new(MockVectorStore))
		_, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"body": "x"}, "body", "", testModel, nil)
		assert.ErrorIs(t, err, worker.ErrMissingSourceID)
	})

	t.Run("EmptyRecord", func(t *testing.T) {
		d := newTestDispatcher(t, new(MockResolver), new(MockEmbedder), new(MockVectorStore))
		_, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{}, "body", "S1", testModel, nil)
		assert.ErrorIs(t, err, worker.ErrEmptyRecord)
	})

	t.Run("FieldAbsent", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))
		_, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"id": "42"}, "body", "S1", testModel, nil)
		assert.ErrorIs(t, err, worker.ErrEmptyRecord)
		e.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("EmbedderError", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))
		e.On("Embed", mock.Anything, "S1", testModel, []string{"x"}).Return(nil, errors.New("quota"))

		_, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"body": "x"}, "body", "S1", testModel, nil)
		assert.ErrorIs(t, err, worker.ErrEmbedding)
		assert.Contains(t, err.Error(), "quota")
	})

	t.Run("NoVectors", func(t *testing.T) {
		e := new(MockEmbedder)
		d := newTestDispatcher(t, new(MockResolver), e, new(MockVectorStore))
		e.On("Embed", mock.Anything, "S1", testModel, []string{"x"}).Return([][]float32{}, nil)

		_, err := d.EmbedTextConstructPoint(ctx, worker.Metadata{"body": "x"}, "body", "S1", testModel, nil)
		assert.ErrorIs(t, err, worker.ErrEmbedding)
	})
}

func TestHandleEmbedding_Accounting(t *testing.T) {
	ctx := context.Background()
	target := worker.SearchTarget{Type: worker.SearchTypeCollection, Collection: "S1"}

	tests := []struct {
		name      string
		embedErr  error
		status    worker.Status
		insertErr error
		want      worker.CounterField
		inserts   int
	}{
		{name: "Success", status: worker.StatusOK, want: worker.CounterSuccess, inserts: 1},
		{name: "NonOKStatus", status: worker.StatusOther, want: worker.CounterFailure, inserts: 1},
		{name: "InsertError", status: worker.StatusOther, insertErr: errors.New("503"), want: worker.CounterFailure, inserts: 1},
		{name: "EmbedError", embedErr: errors.New("boom"), want: worker.CounterFailure, inserts: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(MockResolver)
			e := new(MockEmbedder)
			s := new(MockVectorStore)
			d := newTestDispatcher(t, r, e, s)

			if tt.embedErr != nil {
				e.On("Embed", mock.Anything, "S1", testModel, []string{"hello"}).Return(nil, tt.embedErr)
			} else {
				e.On("Embed", mock.Anything, "S1", testModel, []string{"hello"}).Return([][]float32{{0.5}}, nil)
				s.On("Insert", mock.Anything, target, mock.Anything).Return(tt.status, tt.insertErr)
			}
			r.On("IncrementCounter", mock.Anything, "S1", tt.want).Return(nil)

			d.HandleEmbedding(ctx, worker.Metadata{"body": "hello"}, "body", "S1", testModel, nil)

			r.AssertNumberOfCalls(t, "IncrementCounter", 1)
			r.AssertCalled(t, "IncrementCounter", mock.Anything, "S1", tt.want)
			s.AssertNumberOfCalls(t, "Insert", tt.inserts)
		})
	}
}

func TestHandleEmbedding_CounterFailureDoesNotPanic(t *testing.T) {
	r := new(MockResolver)
	e := new(MockEmbedder)
	s := new(MockVectorStore)
	d := newTestDispatcher(t, r, e, s)

	e.On("Embed", mock.Anything, "S1", testModel, []string{"hello"}).Return([][]float32{{0.5}}, nil)
	s.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(worker.StatusOK, nil)
	r.On("IncrementCounter", mock.Anything, "S1", worker.CounterSuccess).Return(errors.New("db down"))

	assert.NotPanics(t, func() {
		d.HandleEmbedding(context.Background(), worker.Metadata{"body": "hello"}, "body", "S1", testModel, nil)
	})
	r.AssertNumberOfCalls(t, "IncrementCounter", 1)
}
