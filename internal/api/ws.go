package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gaspardpetit/fleetwatch/internal/ctrl"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/serverstate"
)

const registerTimeout = 10 * time.Second

// ConnectHandler accepts agent WebSocket connections. The first message
// must be a register message; capability updates and heartbeats follow.
func ConnectHandler(f Fleet, reports *probe.ReportStore, clientKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			writeError(w, http.StatusServiceUnavailable, "server draining")
			return
		}
		provided := bearer(r)
		if provided == "" {
			provided = r.URL.Query().Get("client_key")
		}
		if clientKey != "" && provided != "" && provided != clientKey {
			unauthorized(w)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "server error")
		ctx := r.Context()

		rctx, cancel := context.WithTimeout(ctx, registerTimeout)
		_, data, err := c.Read(rctx)
		cancel()
		if err != nil {
			return
		}
		var env ctrl.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != ctrl.TypeRegister {
			c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		var rm ctrl.RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			c.Close(websocket.StatusPolicyViolation, "malformed register")
			return
		}
		if clientKey != "" && provided == "" && rm.ClientKey != clientKey {
			_ = wsjson.Write(ctx, c, ctrl.ErrorMessage{Type: ctrl.TypeError, Message: "unauthorized"})
			c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		if rm.Node == "" {
			_ = wsjson.Write(ctx, c, ctrl.ErrorMessage{Type: ctrl.TypeError, Message: "node name required"})
			c.Close(websocket.StatusPolicyViolation, "node name required")
			return
		}
		role := fleet.Role(rm.Role)
		if !role.Valid() {
			role = fleet.RoleWorker
		}
		addr := rm.Address
		if addr == "" {
			addr = remoteHost(r)
		}
		reg := f.Registry()
		reg.Register(fleet.Node{
			Name:     rm.Node,
			Address:  addr,
			Role:     role,
			Priority: rm.Priority,
			Source:   fleet.SourceDiscovered,
		})
		applyReport(f, reports, rm.Node, rm.Report)
		n, _ := reg.Get(rm.Node)
		logx.Log.Info().Str("node", rm.Node).Str("remote_addr", r.RemoteAddr).Str("platform", rm.Platform).
			Str("source", n.Source).Msg("agent registered")
		if err := wsjson.Write(ctx, c, ctrl.RegisteredMessage{Type: ctrl.TypeRegistered, Node: rm.Node, Source: n.Source}); err != nil {
			return
		}

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					c.Close(websocket.StatusNormalClosure, "")
				}
				logx.Log.Info().Str("node", rm.Node).Msg("agent disconnected")
				return
			}
			var env ctrl.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			switch env.Type {
			case ctrl.TypeHeartbeat:
				reg.Touch(rm.Node, time.Now())
			case ctrl.TypeCapabilityUpdate:
				var m ctrl.CapabilityUpdateMessage
				if err := json.Unmarshal(msg, &m); err != nil {
					logx.Log.Warn().Err(err).Str("node", rm.Node).Msg("malformed capability update")
					continue
				}
				applyReport(f, reports, rm.Node, m.Report)
				logx.Log.Info().Str("node", rm.Node).Msg("capabilities updated")
			default:
				logx.Log.Debug().Str("node", rm.Node).Str("type", env.Type).Msg("ignoring message")
			}
		}
	}
}
