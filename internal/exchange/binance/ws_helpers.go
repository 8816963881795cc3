package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsReplyTimeout = 10 * time.Second

// wsRequest is one WebSocket API call. Replies are matched to it by ID.
type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type wsReply struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

func (r wsReply) err() error {
	if r.Status == 200 {
		return nil
	}
	if r.Error != nil {
		return classify(&common.APIError{Code: r.Error.Code, Message: r.Error.Msg})
	}
	return fmt.Errorf("ws api status %d", r.Status)
}

func newWSRequest(method string, params map[string]any) wsRequest {
	return wsRequest{ID: uuid.NewString(), Method: method, Params: params}
}

// call writes req and reads frames until its reply shows up. Unrelated
// frames read meanwhile are discarded, so call is only safe before the
// connection starts streaming events.
func call(ctx context.Context, conn *websocket.Conn, req wsRequest) (wsReply, error) {
	if err := conn.WriteJSON(req); err != nil {
		return wsReply{}, err
	}
	deadline := time.Now().Add(wsReplyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return wsReply{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsReply{}, err
		}
		var reply wsReply
		if json.Unmarshal(data, &reply) != nil || reply.ID != req.ID {
			continue
		}
		return reply, reply.err()
	}
}

// isReply reports whether a frame answers some request rather than
// carrying a pushed event.
func isReply(data []byte) bool {
	var probe struct {
		ID *string `json:"id"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.ID != nil && *probe.ID != ""
}

// signedParams builds the HMAC signed parameter set for
// userDataStream.subscribe.signature.
func (c *Client) signedParams(now time.Time) map[string]any {
	ts := now.UnixMilli()
	query := url.Values{"apiKey": {c.apiKey}, "timestamp": {strconv.FormatInt(ts, 10)}}
	params := map[string]any{"apiKey": c.apiKey, "timestamp": ts}
	if ms := c.recvWindow.Milliseconds(); ms > 0 {
		query.Set("recvWindow", strconv.FormatInt(ms, 10))
		params["recvWindow"] = ms
	}
	params["signature"] = sign(c.apiSecret, query.Encode())
	return params
}
