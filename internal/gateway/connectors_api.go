// ABOUTME: HTTP handlers for connector management and the OAuth authorization flow
// ABOUTME: Every route is scoped to the authenticated owner except the provider callback

package gateway

import (
	"net/http"

	"github.com/2389/coven-connect/internal/auth"
	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/store"
)

// testConnectorRequest is an ad-hoc probe of an endpoint.
type testConnectorRequest struct {
	Endpoint string               `json:"endpoint" validate:"required,max=2048"`
	AuthMode store.AuthMode       `json:"auth_mode" validate:"omitempty,oneof=none api_key"`
	Auth     connector.AuthConfig `json:"auth"`
}

// toggleRequest sets the active flag explicitly; an empty body flips it.
type toggleRequest struct {
	Active *bool `json:"active"`
}

func (g *Gateway) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	conns, err := g.connectors.List(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	views := make([]connectorView, 0, len(conns))
	for _, c := range conns {
		views = append(views, newConnectorView(c))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"connectors": views,
		"max_active": g.connectors.MaxActive(),
	})
}

func (g *Gateway) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req connector.CreateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	c, result, err := g.connectors.Create(r.Context(), auth.OwnerID(r.Context()), req)
	if err != nil {
		g.sendError(w, r, err, result)
		return
	}
	g.sendJSON(w, http.StatusCreated, connectorResponse{Connector: newConnectorView(c), Validation: result})
}

func (g *Gateway) handleTestConnector(w http.ResponseWriter, r *http.Request) {
	var req testConnectorRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	if req.AuthMode == "" {
		req.AuthMode = store.AuthModeNone
	}
	// A failed probe is still a successful test.
	g.sendJSON(w, http.StatusOK, g.connectors.Test(r.Context(), req.Endpoint, req.AuthMode, req.Auth))
}

func (g *Gateway) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	c, err := g.connectors.Get(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, newConnectorView(c))
}

func (g *Gateway) handleUpdateConnector(w http.ResponseWriter, r *http.Request) {
	var req connector.UpdateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	c, err := g.connectors.Update(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req)
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, newConnectorView(c))
}

func (g *Gateway) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	if err := g.connectors.Delete(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id")); err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleToggleConnector(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	owner, id := auth.OwnerID(r.Context()), r.PathValue("id")

	var (
		c   *store.Connector
		err error
	)
	if req.Active != nil {
		c, err = g.connectors.SetActive(r.Context(), owner, id, *req.Active)
	} else {
		c, err = g.connectors.Toggle(r.Context(), owner, id)
	}
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, newConnectorView(c))
}

// handleVerifyConnector re-probes a connector. A failed probe is reported
// in the body with the connector's updated state, not as an HTTP error.
func (g *Gateway) handleVerifyConnector(w http.ResponseWriter, r *http.Request) {
	c, result, err := g.connectors.Reverify(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, connectorResponse{Connector: newConnectorView(c), Validation: result})
}

func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{"providers": g.oauth.Providers()})
}

// handleOAuthStart begins an authorization flow. The connector to create is
// described by the name, description, and endpoint query parameters.
func (g *Gateway) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	authz, err := g.oauth.Initiate(r.Context(), auth.OwnerID(r.Context()), r.PathValue("provider"), connector.InitiateRequest{
		ConnectorName: q.Get("name"),
		Description:   q.Get("description"),
		Endpoint:      q.Get("endpoint"),
	})
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, authz)
}

// handleOAuthCallback completes a flow. Provider-reported errors arrive with
// no code and are reported as a denied authorization.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if q.Get("error") != "" {
		code = ""
	}
	c, result, err := g.oauth.HandleCallback(r.Context(), r.PathValue("provider"), code, q.Get("state"))
	if err != nil {
		g.sendError(w, r, err, result)
		return
	}
	g.sendJSON(w, http.StatusOK, connectorResponse{Connector: newConnectorView(c), Validation: result})
}
