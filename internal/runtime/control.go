package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/nats-io/nats.go"
)

// Control actions shared by the HTTP and bus surfaces.
const (
	actionStart  = "start"
	actionStop   = "stop"
	actionToggle = "toggle"
	actionClear  = "clear"
	actionPause  = "pause"
	actionResume = "resume"
	actionStatus = "status"
)

var actions = []string{actionStart, actionStop, actionToggle, actionClear, actionPause, actionResume, actionStatus}

type control struct {
	sess   *session.Session
	logger *slog.Logger
}

func newControl(sess *session.Session, logger *slog.Logger) *control {
	return &control{sess: sess, logger: logger.With(slog.String("component", "control"))}
}

// do runs one action and reports the resulting session view.
func (c *control) do(ctx context.Context, action string) protocol.ControlReply {
	var err error
	switch action {
	case actionStart:
		err = c.sess.Start(ctx)
	case actionStop:
		c.sess.Stop()
	case actionToggle:
		c.sess.ToggleLanguage()
	case actionClear:
		err = c.sess.ClearBuffer()
	case actionPause:
		err = c.sess.Pause()
	case actionResume:
		err = c.sess.Resume()
	case actionStatus:
	default:
		err = errUnknownAction
	}

	snap := c.sess.Snapshot()
	reply := protocol.ControlReply{OK: err == nil, State: snap.State, Language: snap.Language}
	if err != nil {
		reply.Error = hostMessage(err, snap)
		c.logger.Info("control action rejected", slog.String("action", action), slogError(err))
	}
	return reply
}

var errUnknownAction = errors.New("unknown action")

// hostMessage turns an error into a short message without internal detail.
func hostMessage(err error, snap session.Snapshot) string {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		return "session already running"
	case errors.Is(err, session.ErrNotRunning):
		return "session not in a state that allows this"
	case errors.Is(err, session.ErrFatalConfiguration):
		return "session is misconfigured"
	case errors.Is(err, errUnknownAction):
		return "unknown action"
	case snap.LastError != "":
		return snap.LastError
	}
	return "operation failed"
}

func (c *control) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.sess.Snapshot())
	})
	routes := map[string]string{
		"start":           actionStart,
		"stop":            actionStop,
		"toggle-language": actionToggle,
		"clear":           actionClear,
		"pause":           actionPause,
		"resume":          actionResume,
	}
	for path, action := range routes {
		mux.HandleFunc("POST /session/"+path, func(w http.ResponseWriter, r *http.Request) {
			reply := c.do(r.Context(), action)
			status := http.StatusOK
			if !reply.OK {
				status = http.StatusConflict
			}
			writeJSON(w, status, reply)
		})
	}
}

// subscribe answers request/reply control messages on <prefix>.<action>.
func (c *control) subscribe(conn *nats.Conn, prefix string) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, action := range actions {
		sub, err := conn.Subscribe(prefix+"."+action, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			reply := c.do(ctx, action)
			data, err := json.Marshal(reply)
			if err != nil {
				c.logger.Warn("failed to marshal control reply", slogError(err))
				return
			}
			if msg.Reply != "" {
				if err := msg.Respond(data); err != nil {
					c.logger.Warn("failed to send control reply", slogError(err))
				}
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
