package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newRouter(t *testing.T, res *router.Resources) *router.Router {
	t.Helper()
	r := router.New(res, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, Register(r))
	return r
}

func dispatch(r *router.Router, name, payload string) router.Result {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return r.Dispatch(context.Background(), job.New(name, raw, job.DefaultOptions(), time.Now()))
}

func TestRegister(t *testing.T) {
	r := newRouter(t, nil)
	assert.Equal(t, []string{DBPing, Echo, Fail, Sleep}, r.Names())
	assert.ErrorIs(t, Register(r), router.ErrDuplicateWorker)
}

func TestEcho(t *testing.T) {
	r := newRouter(t, nil)

	res := dispatch(r, Echo, `{"a":[1,2]}`)
	require.Equal(t, router.KindSuccess, res.Kind)
	assert.JSONEq(t, `{"a":[1,2]}`, string(res.Value))

	res = dispatch(r, Echo, "")
	assert.Equal(t, router.KindSuccess, res.Kind)
}

func TestSleep(t *testing.T) {
	r := newRouter(t, nil)

	res := dispatch(r, Sleep, `{"duration_ms":5}`)
	require.Equal(t, router.KindSuccess, res.Kind)
	assert.JSONEq(t, `{"slept_ms":5}`, string(res.Value))

	res = dispatch(r, Sleep, `{"duration_ms":-1}`)
	assert.Equal(t, router.KindFailed, res.Kind)

	res = dispatch(r, Sleep, `"soon"`)
	assert.Equal(t, router.KindFailed, res.Kind, "undecodable payload is not retried")
}

func TestFail(t *testing.T) {
	r := newRouter(t, nil)

	res := dispatch(r, Fail, `{"reason":"flaky"}`)
	assert.Equal(t, router.KindRetry, res.Kind)
	assert.Equal(t, "flaky", res.Reason)

	res = dispatch(r, Fail, `{"fatal":true}`)
	assert.Equal(t, router.KindFailed, res.Kind)
	assert.Contains(t, res.Reason, "requested failure")
}

func TestDBPing(t *testing.T) {
	res := dispatch(newRouter(t, nil), DBPing, "")
	assert.Equal(t, router.KindFailed, res.Kind)
	assert.Contains(t, res.Reason, ErrNoDatabase.Error())

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := newRouter(t, &router.Resources{DB: db})
	res = dispatch(r, DBPing, "")
	require.Equal(t, router.KindSuccess, res.Kind, res.Reason)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &body))
	assert.Contains(t, body, "latency_ms")
}
