package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stakepool-labs/cranker/pkg/notify"
	"github.com/stakepool-labs/cranker/pkg/types"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newWebhook(t *testing.T, url string) *notify.Webhook {
	t.Helper()
	w, err := notify.New(notify.Config{URL: url, MaxRetries: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w.WithSleep(noSleep)
}

func TestNotifyPostsAlert(t *testing.T) {
	var got notify.Alert
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newWebhook(t, srv.URL).Notify(context.Background(), notify.Alert{
		Text:      "crank partial",
		Epoch:     12,
		Result:    "partial",
		Abandoned: []notify.Abandoned{{VoteAccount: "bob", Kind: "increase", Lamports: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "crank partial", got.Text)
	assert.Equal(t, uint64(12), got.Epoch)
	require.Len(t, got.Abandoned, 1)
	assert.Equal(t, "bob", got.Abandoned[0].VoteAccount)
}

func TestNotifyRetries(t *testing.T) {
	tests := []struct {
		name    string
		status  []int
		calls   int32
		wantErr bool
	}{
		{name: "server error then ok", status: []int{502, 200}, calls: 2},
		{name: "rate limited throughout", status: []int{429, 429, 429}, calls: 3, wantErr: true},
		{name: "bad request is final", status: []int{400}, calls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.status[int(n)-1])
			}))
			defer srv.Close()

			err := newWebhook(t, srv.URL).Notify(context.Background(), notify.Alert{Text: "x"})
			if tt.wantErr {
				require.Error(t, err)
				var se *notify.StatusError
				assert.ErrorAs(t, err, &se)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "hooks.slack.com/x", "ftp://hooks.example"} {
		_, err := notify.New(notify.Config{URL: u}, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, types.ErrConfig, u)
	}
}
