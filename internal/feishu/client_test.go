package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(retries int) *Client {
	return NewClient(Config{Timeout: time.Second, MaxRetries: retries}, zap.NewNop(),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		WithRetryWait(time.Millisecond, 5*time.Millisecond),
	)
}

func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	sign, err := Sign(1700000000, "secret")
	require.NoError(t, err)
	require.Equal(t, "fiWS2+gh28DOydAv7hzONH/mDn9+b1Y4Y5ivXWXy8vA=", sign)
}

func TestSendPostsJSONWithSignature(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.Header.Get("Content-Type"), "application/json")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{}}`))
	}))
	defer srv.Close()

	err := newTestClient(0).Send(context.Background(), Target{URL: srv.URL, Secret: "secret"}, Text("hello"))
	require.NoError(t, err)

	require.Equal(t, "text", got["msg_type"])
	require.Equal(t, "1700000000", got["timestamp"])
	require.Equal(t, "fiWS2+gh28DOydAv7hzONH/mDn9+b1Y4Y5ivXWXy8vA=", got["sign"])
	content, ok := got["content"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", content["text"])
}

func TestSendWithoutSecretOmitsSignature(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(0).Send(context.Background(), Target{URL: srv.URL}, Text("hi")))
	require.NotContains(t, got, "sign")
	require.NotContains(t, got, "timestamp")
}

func TestSendReturnsAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "code field", body: `{"code":19021,"msg":"sign match fail or timestamp is not within one hour from current time"}`, code: 19021},
		{name: "legacy status field", body: `{"StatusCode":9499,"StatusMessage":"Bad Request"}`, code: 9499},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestClient(0).Send(context.Background(), Target{URL: srv.URL}, Text("x"))
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(3).Send(context.Background(), Target{URL: srv.URL}, Text("x")))
	require.Equal(t, int32(3), calls.Load())
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(1).Send(context.Background(), Target{URL: srv.URL}, Text("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Equal(t, int32(2), calls.Load())
}

func TestSendRequiresURL(t *testing.T) {
	t.Parallel()

	require.Error(t, newTestClient(0).Send(context.Background(), Target{}, Text("x")))
}

func TestSendSignsAfterRateLimitWait(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer srv.Close()

	start := time.Now()
	var signedAt []time.Duration
	client := NewClient(Config{Timeout: time.Second, RatePerSecond: 4, Burst: 1}, zap.NewNop(),
		WithClock(func() time.Time {
			signedAt = append(signedAt, time.Since(start))
			return time.Now()
		}),
	)
	target := Target{URL: srv.URL, Secret: "secret"}

	require.NoError(t, client.Send(context.Background(), target, Text("first")))
	require.NoError(t, client.Send(context.Background(), target, Text("second")))

	require.Len(t, signedAt, 2)
	require.GreaterOrEqual(t, signedAt[1], 200*time.Millisecond)
}

func TestSendTransportErrorHidesHookToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/open-apis/bot/v2/hook/secret-token"
	srv.Close()

	err := newTestClient(0).Send(context.Background(), Target{URL: url}, Text("hello"))
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret-token")
	require.Contains(t, err.Error(), "/hook/******")
}
