package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func TestMidStreamReceivesMids(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub wsSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Subscription.Type

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"subscriptionResponse","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"allMids","data":{"mids":{"BTC":"65001.5","ETH":"3000"}}}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewMidStream(StreamOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxAge:         time.Minute,
		ReconnectDelay: 10 * time.Millisecond,
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case typ := <-subscribed:
		if typ != "allMids" {
			t.Fatalf("订阅类型错误: %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到订阅请求")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if mid, ok := stream.Mid("BTC"); ok {
			if !mid.Equal(decimal.RequireFromString("65001.5")) {
				t.Fatalf("mid 解析错误: %s", mid)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("超时未收到 mids")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := stream.Mid("DOGE"); ok {
		t.Fatal("未推送的 symbol 不应返回")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 Run 应退出")
	}
}

func TestMidStreamStaleMids(t *testing.T) {
	stream := NewMidStream(StreamOptions{MaxAge: time.Millisecond}, noopLogger())
	if err := stream.handle([]byte(`{"channel":"allMids","data":{"mids":{"BTC":"1"}}}`)); err != nil {
		t.Fatalf("handle 不应报错: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := stream.Mid("BTC"); ok {
		t.Fatal("过期 mid 不应返回")
	}
}

func TestFetchObservationPrefersStream(t *testing.T) {
	srv := newInfoServer(t, `{"ETH":"3000.5"}`, nil)
	defer srv.Close()

	stream := NewMidStream(StreamOptions{MaxAge: time.Minute}, noopLogger())
	_ = stream.handle([]byte(`{"channel":"allMids","data":{"mids":{"ETH":"2999"}}}`))

	c := NewClient(Options{BaseURL: srv.URL, RequestsPerSecond: 1000, Burst: 10, Stream: stream}, noopLogger())
	obs, err := c.FetchObservation(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("FetchObservation 不应报错: %v", err)
	}
	if obs.MidSource != "stream" || !obs.MidPrice.Equal(decimal.NewFromInt(2999)) {
		t.Fatalf("应优先使用推送的 mid: %s (%s)", obs.MidPrice, obs.MidSource)
	}
}
