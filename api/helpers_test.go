package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/logging"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	scheduler *engine.Scheduler
	batcher   *engine.Batcher
	metrics   *Metrics
	handler   *Handler
	router    *gin.Engine
}

// newFixture wires a running scheduler and batcher behind a Handler.
func newFixture(t *testing.T, config engine.Config, opts []engine.Option, hopts ...HandlerOption) *fixture {
	t.Helper()

	metrics := NewMetrics("test")
	opts = append([]engine.Option{
		engine.WithLogger(logging.Discard()),
		engine.WithObserver(metrics),
	}, opts...)
	s := engine.New(config, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	b := engine.NewBatcher(engine.DefaultBatchConfig(), s, logging.Discard())

	hopts = append([]HandlerOption{WithLogger(logging.Discard()), WithMetrics(metrics)}, hopts...)
	h := NewHandler(s, b, hopts...)
	return &fixture{
		scheduler: s,
		batcher:   b,
		metrics:   metrics,
		handler:   h,
		router:    h.Router(),
	}
}

func fastConfig() engine.Config {
	return engine.Config{Workers: 2, BaseUnit: 100 * time.Millisecond}
}

// blockingExecutor holds every job until release is closed.
func blockingExecutor(release <-chan struct{}) engine.Option {
	return engine.WithExecutor(engine.ExecutorFunc(func(ctx context.Context, task *engine.Task) (engine.Outcome, error) {
		select {
		case <-release:
			return engine.Outcome{Processed: task.Payload.TxCount()}, nil
		case <-ctx.Done():
			return engine.Outcome{}, ctx.Err()
		}
	}))
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" &&
		bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func transactionsJSON(n int) []map[string]interface{} {
	txs := make([]map[string]interface{}, n)
	for i := range txs {
		txs[i] = map[string]interface{}{
			"id":         fmt.Sprintf("tx-%d", i),
			"entity_id":  "entity",
			"event_type": "transfer",
		}
	}
	return txs
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond)
}

var _ http.Handler = (*Hub)(nil)
