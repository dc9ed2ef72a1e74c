package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/guseggert/procprovider/agent/channel"
	"github.com/guseggert/procprovider/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Channel event names.
const (
	EventStdin  = "proc-provider:stdin"
	EventPing   = "proc-provider:ping"
	EventResize = "proc-provider:resize"
	EventOutput = "proc-provider:stdout"
)

// ProcRequest is the body of /proc/exec, /proc/spawn and /proc/pty.
type ProcRequest struct {
	Name string                        `json:"name"`
	Cmd  supervisor.CommandDescription `json:"cmd"`
	Args []string                      `json:"args,omitempty"`
}

type KillRequest struct {
	Name string `json:"name"`
}

// EventHeader is the first argument of every output event.
type EventHeader struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// hubBroadcaster delivers supervisor events to the channel connections of the session owner.
type hubBroadcaster struct {
	hub *channel.Hub
}

func (b *hubBroadcaster) Broadcast(owner string, ev supervisor.Event) {
	b.hub.Broadcast(EventOutput, func(id channel.Identity) bool {
		return id.Username == owner
	}, EventHeader{Name: ev.Name, Type: string(ev.Type)}, ev.Payload())
}

func (a *Agent) registerChannelHandlers() {
	a.hub.On(EventStdin, func(c *channel.Conn, msg channel.Message) {
		var name, data string
		if err := msg.Decode(&name, &data); err != nil {
			a.logger.Debugw("bad stdin event", "Error", err)
			return
		}
		a.supervisor.RouteStdin(c.Identity.Username, name, []byte(data))
	})
	a.hub.On(EventPing, func(c *channel.Conn, msg channel.Message) {
		var name string
		if err := msg.Decode(&name); err != nil {
			a.logger.Debugw("bad ping event", "Error", err)
			return
		}
		a.supervisor.RoutePing(c.Identity.Username, name)
	})
	a.hub.On(EventResize, func(c *channel.Conn, msg channel.Message) {
		var name string
		var cols, rows uint16
		if err := msg.Decode(&name, &cols, &rows); err != nil {
			a.logger.Debugw("bad resize event", "Error", err)
			return
		}
		a.supervisor.Resize(c.Identity.Username, name, cols, rows)
	})
}

func (a *Agent) decodeProcRequest(w http.ResponseWriter, r *http.Request) (ProcRequest, bool) {
	var req ProcRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(a.logger, w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if req.Name == "" {
		writeError(a.logger, w, http.StatusBadRequest, "No name given")
		return req, false
	}
	if req.Cmd.Empty() {
		writeError(a.logger, w, http.StatusBadRequest, "No cmd given")
		return req, false
	}
	return req, true
}

func (a *Agent) launch(w http.ResponseWriter, r *http.Request, id Identity, kind supervisor.Kind) {
	req, ok := a.decodeProcRequest(w, r)
	if !ok {
		return
	}
	a.logger.Debugw("launch request", "Kind", kind, "Name", req.Name, "User", id.Username)

	res, err := a.supervisor.Launch(r.Context(), id.Username, req.Name, kind, req.Cmd.Normalize(req.Args))
	if errors.Is(err, supervisor.ErrNameInUse) {
		writeError(a.logger, w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(a.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	if res != nil {
		writeJSON(a.logger, w, http.StatusOK, res)
		return
	}
	writeJSON(a.logger, w, http.StatusOK, true)
}

// procExec runs a command and responds with its buffered output once it exits.
// If the request is aborted, the process is killed.
func (a *Agent) procExec(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity) {
	a.launch(w, r, id, supervisor.KindExec)
}

func (a *Agent) procSpawn(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity) {
	a.launch(w, r, id, supervisor.KindSpawn)
}

func (a *Agent) procPty(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity) {
	a.launch(w, r, id, supervisor.KindPty)
}

// procKill responds with whether a session by that name existed.
// TODO: kill is open to any authenticated user and does not check session ownership; decide on a policy.
func (a *Agent) procKill(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity) {
	var req KillRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(a.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Debugw("kill request", "Name", req.Name, "User", id.Username)
	writeJSON(a.logger, w, http.StatusOK, a.supervisor.Kill(req.Name))
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		log.Debugf("error writing response: %s", err)
	}
}

func writeError(log *zap.SugaredLogger, w http.ResponseWriter, status int, msg string) {
	writeJSON(log, w, status, ErrorResponse{Error: msg})
}
