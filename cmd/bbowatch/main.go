package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"bbo-stream-go/internal/hub"
	"bbo-stream-go/market"
)

// bbowatch 订阅广播服务，打印收到的报价与端到端延迟，用于联调与压测前的冒烟检查。
func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "订阅地址")
	symbol := flag.String("symbol", "", "只订阅该交易对，留空使用服务端默认")
	duration := flag.Duration("duration", 30*time.Second, "运行时长，0 表示直到 Ctrl+C")
	pingEvery := flag.Duration("ping", 5*time.Second, "应用层 ping 间隔")
	quiet := flag.Bool("quiet", false, "不打印每条报价，只输出汇总")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		log.Fatalf("连接 %s 失败: %v", *url, err)
	}
	defer conn.Close()

	if *symbol != "" {
		if err := conn.WriteJSON(hub.Envelope{Event: hub.EventSubscribe, Data: hub.SubscribeData{Symbol: strings.ToUpper(*symbol)}}); err != nil {
			log.Fatalf("subscribe failed: %v", err)
		}
	}
	if err := conn.WriteJSON(hub.Envelope{Event: hub.EventRequestInitialData}); err != nil {
		log.Fatalf("request initial data failed: %v", err)
	}

	frames := make(chan hub.Inbound, 256)
	go func() {
		defer close(frames)
		for {
			var in hub.Inbound
			if err := conn.ReadJSON(&in); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					log.Printf("read: %v", err)
				}
				return
			}
			frames <- in
		}
	}()

	st := newWatchStats(os.Stdout)
	ticker := time.NewTicker(*pingEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := conn.WriteJSON(hub.Envelope{Event: hub.EventPing, Data: hub.PingData{Time: time.Now().UnixMilli()}}); err != nil {
				log.Printf("ping: %v", err)
				break loop
			}
		case in, ok := <-frames:
			if !ok {
				break loop
			}
			st.handle(in, *quiet)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	st.print()
}

type watchStats struct {
	out      io.Writer
	start    time.Time
	updates  map[string]int
	e2e      []int64 // 交易所时间到本地收到
	backend  []int64 // 服务端记录的 backendLatency
	rtt      []int64
	errors   int
	lastInfo string
}

func newWatchStats(out io.Writer) *watchStats {
	return &watchStats{out: out, start: time.Now(), updates: make(map[string]int)}
}

func (st *watchStats) handle(in hub.Inbound, quiet bool) {
	now := time.Now().UnixMilli()
	switch in.Event {
	case hub.EventBBOUpdate:
		var u market.BBOUpdate
		if err := json.Unmarshal(in.Data, &u); err != nil {
			st.errors++
			return
		}
		st.updates[u.Symbol]++
		if u.ExchangeTS > 0 {
			st.e2e = append(st.e2e, now-u.ExchangeTS)
		}
		if lat, ok := u.Latency(); ok {
			st.backend = append(st.backend, lat)
		}
		if !quiet {
			fmt.Fprintf(st.out, "%s bid=%s/%s ask=%s/%s mid=%s spread=%s e2e=%dms\n",
				u.Symbol, u.BidPrice, u.BidQty, u.AskPrice, u.AskQty, u.Mid().String(), u.Spread().String(), now-u.ExchangeTS)
		}
	case hub.EventPong:
		var pd hub.PingData
		if err := json.Unmarshal(in.Data, &pd); err == nil && pd.Time > 0 {
			st.rtt = append(st.rtt, now-pd.Time)
		}
	case hub.EventError:
		st.errors++
		fmt.Fprintf(st.out, "server error: %s\n", string(in.Data))
	default:
		st.lastInfo = fmt.Sprintf("%s %s", in.Event, string(in.Data))
		if !quiet {
			fmt.Fprintln(st.out, st.lastInfo)
		}
	}
}

func (st *watchStats) print() {
	w := st.out
	elapsed := time.Since(st.start).Seconds()
	fmt.Fprintf(w, "\n=== bbowatch summary (%.1fs) ===\n", elapsed)
	symbols := make([]string, 0, len(st.updates))
	for s := range st.updates {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		fmt.Fprintf(w, "%-10s %6d updates  %.1f/s\n", s, st.updates[s], float64(st.updates[s])/elapsed)
	}
	fmt.Fprintf(w, "e2e latency     %s\n", summarize(st.e2e))
	fmt.Fprintf(w, "backend latency %s\n", summarize(st.backend))
	fmt.Fprintf(w, "ping rtt        %s\n", summarize(st.rtt))
	fmt.Fprintf(w, "errors          %d\n", st.errors)
}

func summarize(v []int64) string {
	if len(v) == 0 {
		return "n/a"
	}
	s := append([]int64(nil), v...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	var sum int64
	for _, x := range s {
		sum += x
	}
	pct := func(q float64) int64 { return s[int(q*float64(len(s)-1))] }
	return fmt.Sprintf("n=%d min=%d avg=%.1f p50=%d p95=%d max=%d (ms)",
		len(s), s[0], float64(sum)/float64(len(s)), pct(0.5), pct(0.95), s[len(s)-1])
}
