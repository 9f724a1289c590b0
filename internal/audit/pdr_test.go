package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	actions []string
	hashes  []string
	err     error
}

func (r *recordingSink) WritePDR(_ context.Context, action, inputsHash, _, _, _ string) error {
	r.actions = append(r.actions, action)
	r.hashes = append(r.hashes, inputsHash)
	return r.err
}

func TestRecord_HashesInputs(t *testing.T) {
	sink := &recordingSink{}
	w := NewPDRWriter(sink)

	w.Record(context.Background(), "task.create", map[string]string{"title": "a"}, OutcomeSuccess, "t1", "")
	w.Record(context.Background(), "task.create", map[string]string{"title": "a"}, OutcomeSuccess, "t2", "")
	w.Record(context.Background(), "task.create", map[string]string{"title": "b"}, OutcomeSuccess, "t3", "")

	require.Len(t, sink.hashes, 3)
	assert.Len(t, sink.hashes[0], 64)
	assert.Equal(t, sink.hashes[0], sink.hashes[1], "same inputs, same hash")
	assert.NotEqual(t, sink.hashes[0], sink.hashes[2])
}

func TestRecord_SinkErrorIsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	w := NewPDRWriter(sink)

	assert.NotPanics(t, func() {
		w.Record(context.Background(), "sync", nil, OutcomeFailed, "", "")
	})
	assert.Equal(t, []string{"sync"}, sink.actions)
}

func TestHashInputs_Unmarshalable(t *testing.T) {
	assert.Equal(t, "hash_error", hashInputs(make(chan int)))
}
