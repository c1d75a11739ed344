package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"VoiceSupportRelay/internal/protocol"
)

// relay-probe 连到运行中的语音中继网关，跑一轮最小会话冒烟：
// 建立会话 → 发一条文本 → 打印下行事件直到response-done → 拆除。
func main() {
	var (
		gatewayURL = flag.String("gateway", "ws://localhost:3000/ws", "网关WS地址")
		text       = flag.String("text", "Halo, ada yang bisa dibantu?", "要发送的用户文本")
		sessionID  = flag.String("session", "", "会话ID，留空自动生成")
		timeout    = flag.Duration("timeout", 30*time.Second, "等待响应完成的超时")
	)
	flag.Parse()

	fmt.Println("🎯 语音中继会话探测")
	fmt.Println("====================")

	if *sessionID == "" {
		*sessionID = fmt.Sprintf("probe_%s", uuid.NewString()[:8])
	}

	fmt.Printf("🔗 连接网关 %s ...\n", *gatewayURL)
	conn, _, err := websocket.DefaultDialer.Dial(*gatewayURL, nil)
	if err != nil {
		log.Fatalf("连接网关失败: %v", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	send := func(event string, payload interface{}) {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			log.Fatalf("编码%s失败: %v", event, merr)
		}
		if werr := conn.WriteJSON(map[string]json.RawMessage{
			"event": json.RawMessage(`"` + event + `"`),
			"data":  raw,
		}); werr != nil {
			log.Fatalf("发送%s失败: %v", event, werr)
		}
	}

	fmt.Printf("📞 建立会话 %s ...\n", *sessionID)
	send(protocol.EvtConnectRealtime, protocol.ConnectRealtimePayload{SessionID: *sessionID})

	deadline := time.Now().Add(*timeout)
	conn.SetReadDeadline(deadline)

	textSent := false
	audioChunks := 0
	transcript := ""

	for {
		select {
		case <-interrupt:
			fmt.Println("\n🛑 收到中断信号，拆除会话")
			send(protocol.EvtDisconnectRealtime, protocol.SessionRefPayload{SessionID: *sessionID})
			return
		default:
		}

		var ev struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if rerr := conn.ReadJSON(&ev); rerr != nil {
			log.Fatalf("读取下行事件失败 (已收%d个音频片段): %v", audioChunks, rerr)
		}

		switch ev.Event {
		case protocol.EvtRealtimeConnected:
			fmt.Println("✅ 上游链路已就绪")
			if !textSent {
				fmt.Printf("💬 发送文本: %q\n", *text)
				send(protocol.EvtSendText, protocol.SendTextPayload{SessionID: *sessionID, Text: *text})
				textSent = true
			}

		case protocol.EvtAudioDelta:
			audioChunks++

		case protocol.EvtTextDelta:
			var delta protocol.DeltaPayload
			if json.Unmarshal(ev.Data, &delta) == nil {
				transcript += delta.Delta
			}

		case protocol.EvtSpeechStarted:
			fmt.Println("🔊 代理开始播报")

		case protocol.EvtSpeechStopped:
			fmt.Println("🔇 代理播报结束")

		case protocol.EvtResponseDone:
			fmt.Printf("\n📋 探测结果\n")
			fmt.Printf("   音频片段: %d\n", audioChunks)
			if transcript != "" {
				fmt.Printf("   文本回复: %s\n", transcript)
			}
			fmt.Println("👋 拆除会话")
			send(protocol.EvtDisconnectRealtime, protocol.SessionRefPayload{SessionID: *sessionID})
			fmt.Println("✅ 探测完成")
			return

		case protocol.EvtError:
			var perr protocol.ErrorPayload
			_ = json.Unmarshal(ev.Data, &perr)
			log.Fatalf("网关返回错误: %s", perr.Message)

		default:
			fmt.Printf("📥 %s\n", ev.Event)
		}
	}
}
