// Package ws pushes dashboard state to browser clients over a
// websocket. Clients subscribe to snapshot kinds and receive a
// notification whenever an accessor publishes an update or a
// transaction changes phase.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stakeboard/stakeboard/bus"
	"github.com/stakeboard/stakeboard/cmn"
	"github.com/stakeboard/stakeboard/explorer"
)

type ConContext struct {
	Agent      string
	Connection *websocket.Conn
	SM         *subManager

	writeMu sync.Mutex
}

var WSConnections = make([]*ConContext, 0)
var WSConnectionsMutex = sync.Mutex{}

type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type BroadcastParams struct {
	Subscription string `json:"subscription,omitempty"`
	Result       any    `json:"result,omitempty"`
}

type RPCBroadcast struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  BroadcastParams `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result"`
	Error   *RPCError `json:"error,omitempty"`
}

type SnapshotNotification struct {
	ChainId uint64 `json:"chainId,omitempty"`
	Kind    string `json:"kind"`
	Data    any    `json:"data"`
}

type TxNotification struct {
	ChainId      uint64 `json:"chainId"`
	Phase        string `json:"phase"` // submitted, success, failure
	Action       string `json:"action"`
	Amount       string `json:"amount,omitempty"`
	Hash         string `json:"hash,omitempty"`
	ExplorerLink string `json:"explorerLink,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

var start_once sync.Once

func Init() {
	go loop()
}

func loop() {
	ch := bus.Subscribe("snapshot", "tx", "ws")
	for msg := range ch {
		switch msg.Topic {
		case "ws":
			if msg.Type == "open" {
				start_once.Do(startWS)
			}
		case "snapshot":
			broadcastSnapshot(msg.Data)
		case "tx":
			broadcastTx(msg.Type, msg.Data)
		}
	}
}

func startWS() {
	go func() {
		port := cmn.Config.WSPort

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", boardHandler)

		server := &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Hour,
			ReadHeaderTimeout: 5 * time.Second,
		}

		for {
			err := server.ListenAndServe()
			if err != nil {
				log.Error().Err(err).Msgf("WS server failed on port %d", port)
				time.Sleep(10 * time.Second)
				continue
			}
			break
		}
	}()
	log.Trace().Msgf("ws server starting on port %d", cmn.Config.WSPort)
}

func broadcastSnapshot(data any) {
	u, ok := data.(*bus.B_SnapshotUpdated)
	if !ok {
		log.Error().Msgf("ws_broadcast: invalid snapshot payload: %v", data)
		return
	}

	notification := SnapshotNotification{
		ChainId: u.ChainId,
		Kind:    u.Kind,
		Data:    u.Data,
	}

	WSConnectionsMutex.Lock()
	conns := append([]*ConContext(nil), WSConnections...)
	WSConnectionsMutex.Unlock()

	for _, conn := range conns {
		for _, sub := range conn.SM.getSubsForKind(u.Kind) {
			conn.send(&RPCBroadcast{
				JSONRPC: "2.0",
				Method:  "snapshot_subscription",
				Params: BroadcastParams{
					Subscription: sub.id,
					Result:       notification,
				},
			})
		}
	}
}

func broadcastTx(phase string, data any) {
	n := TxNotification{Phase: phase}

	switch d := data.(type) {
	case *bus.B_TxSubmitted:
		n.ChainId, n.Action, n.Amount, n.Hash = d.ChainId, d.Action, d.Amount, d.Hash.Hex()
		n.ExplorerLink = explorer.TxURLById(d.ChainId, d.Hash)
	case *bus.B_TxSuccess:
		n.ChainId, n.Action, n.Amount, n.Hash = d.ChainId, d.Action, d.Amount, d.Hash.Hex()
		n.ExplorerLink = explorer.TxURLById(d.ChainId, d.Hash)
	case *bus.B_TxFailed:
		n.ChainId, n.Action, n.Reason = d.ChainId, d.Action, d.Reason
	default:
		log.Error().Msgf("ws_broadcast: invalid tx payload: %v", data)
		return
	}

	WSConnectionsMutex.Lock()
	conns := append([]*ConContext(nil), WSConnections...)
	WSConnectionsMutex.Unlock()

	for _, conn := range conns {
		for _, sub := range conn.SM.getSubsForKind("tx") {
			conn.send(&RPCBroadcast{
				JSONRPC: "2.0",
				Method:  "tx_subscription",
				Params: BroadcastParams{
					Subscription: sub.id,
					Result:       n,
				},
			})
		}
	}
}

func AddConnection(conn *ConContext) {
	WSConnectionsMutex.Lock()
	WSConnections = append(WSConnections, conn)
	WSConnectionsMutex.Unlock()
}

func RemoveConnection(conn *ConContext) {
	WSConnectionsMutex.Lock()
	for i, c := range WSConnections {
		if c == conn {
			WSConnections = append(WSConnections[:i], WSConnections[i+1:]...)
			break
		}
	}
	WSConnectionsMutex.Unlock()
}

func boardHandler(w http.ResponseWriter, r *http.Request) {
	var upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// local dashboard, any origin may connect
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx := &ConContext{
		Agent:      r.Header.Get("User-Agent"),
		Connection: conn,
		SM:         newSubManager(),
	}
	AddConnection(ctx)
	defer RemoveConnection(ctx)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			log.Trace().Msgf("ws read closed: %v", err)
			break
		}

		if msgType != websocket.TextMessage {
			log.Trace().Msgf("received non-text message: %d", msgType)
			break
		}

		var rpcReq RPCRequest
		if err := json.Unmarshal(msg, &rpcReq); err != nil {
			log.Error().Msgf("JSON parse error: %v", err)
			continue
		}

		response := &RPCResponse{
			JSONRPC: "2.0",
			ID:      rpcReq.ID,
		}
		handleBoardMethod(rpcReq, ctx, response)
		ctx.send(response)
	}
}

func handleBoardMethod(req RPCRequest, ctx *ConContext, resp *RPCResponse) {
	switch req.Method {
	case "board_subscribe":
		kind, ok := firstString(req.Params)
		if !ok || !validKind(kind) {
			resp.Error = &RPCError{Code: -32602, Message: "invalid subscription kind"}
			return
		}
		resp.Result = ctx.SM.addSubscription(kind)
	case "board_unsubscribe":
		id, ok := firstString(req.Params)
		if !ok {
			resp.Error = &RPCError{Code: -32602, Message: "invalid subscription id"}
			return
		}
		ctx.SM.removeSubscription(id)
		resp.Result = true
	default:
		log.Trace().Msgf("unknown ws method: %v", req.Method)
		resp.Error = &RPCError{Code: -32601, Message: "Method not found"}
	}
}

func firstString(params []any) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	s, ok := params[0].(string)
	return s, ok
}

func validKind(kind string) bool {
	switch kind {
	case "token", "staking", "portfolio", "tx":
		return true
	}
	return false
}

func (con *ConContext) send(data any) {
	respBytes, err := json.Marshal(data)
	if err != nil {
		log.Error().Msgf("JSON marshal error: %v", err)
		return
	}

	con.writeMu.Lock()
	defer con.writeMu.Unlock()
	if err := con.Connection.WriteMessage(websocket.TextMessage, respBytes); err != nil {
		log.Error().Msgf("ws write error: %v", err)
	}
}
