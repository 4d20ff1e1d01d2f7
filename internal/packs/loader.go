// ABOUTME: Builds an owner's capability set from system capabilities and live connectors.
// ABOUTME: Queries connectors concurrently, retries transient failures once, and skips the rest.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/metrics"
	"github.com/2389/coven-connect/internal/store"
)

// Loader defaults.
const (
	DefaultQueryTimeout = 10 * time.Second
	DefaultRetryDelay   = 3 * time.Second
)

// ToolClient is the connection to one connector's tool server.
type ToolClient interface {
	ListTools(ctx context.Context) ([]store.ToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ConnectorLister lists the connectors that may contribute capabilities.
type ConnectorLister interface {
	ListLoadable(ctx context.Context, ownerID string) ([]*store.Connector, error)
}

// DialFunc returns a client for a connector.
type DialFunc func(c *store.Connector) (ToolClient, error)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	System     *Registry
	Connectors ConnectorLister
	Dial       DialFunc
	// QueryTimeout bounds each connector request.
	QueryTimeout time.Duration
	// RetryDelay is the pause before the single retry of a transient failure.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Loader aggregates and dispatches capabilities.
type Loader struct {
	system       *Registry
	connectors   ConnectorLister
	dial         DialFunc
	queryTimeout time.Duration
	retryDelay   time.Duration
	logger       *slog.Logger
	validator    *schemaValidator
}

// NewLoader creates a loader. Connectors and Dial may be nil, in which case
// only system capabilities are served.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.System == nil {
		return nil, errors.New("system capability registry is required")
	}
	if (cfg.Connectors == nil) != (cfg.Dial == nil) {
		return nil, errors.New("connectors and dial must be set together")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{
		system:       cfg.System,
		connectors:   cfg.Connectors,
		dial:         cfg.Dial,
		queryTimeout: cfg.QueryTimeout,
		retryDelay:   cfg.RetryDelay,
		logger:       cfg.Logger.With("component", "packs.loader"),
		validator:    newSchemaValidator(),
	}, nil
}

// connectorResult is one connector's contribution to a load.
type connectorResult struct {
	connector *store.Connector
	tools     []store.ToolInfo
	err       error
}

// LoadCapabilities returns the owner's flat capability set: enabled system
// capabilities under their own names, then each reachable connector's tools
// namespaced by connector name. A connector that still fails after one retry
// is left out and named in Unavailable; the load itself only fails if the
// connector list cannot be read.
func (l *Loader) LoadCapabilities(ctx context.Context, ownerID string) (*Capabilities, error) {
	caps := &Capabilities{}
	for _, sc := range l.system.Enabled() {
		caps.add(systemCapability(sc))
	}

	if l.connectors == nil {
		return caps, nil
	}
	conns, err := l.connectors.ListLoadable(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	results := make([]connectorResult, len(conns))
	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			tools, err := l.queryTools(ctx, c)
			results[i] = connectorResult{connector: c, tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil {
			metrics.ConnectorsSkippedTotal.Inc()
			l.logger.Warn("connector unavailable, skipping",
				"owner_id", ownerID,
				"connector_id", res.connector.ID,
				"error", res.err,
			)
			caps.Unavailable = append(caps.Unavailable, res.connector.Name)
			continue
		}
		for _, t := range res.tools {
			if !caps.add(connectorCapability(res.connector, t)) {
				l.logger.Debug("duplicate capability dropped", "connector_id", res.connector.ID, "tool", t.Name)
			}
		}
	}

	l.logger.Debug("capabilities loaded",
		"owner_id", ownerID,
		"capabilities", len(caps.Tools),
		"connectors", len(conns),
		"unavailable", len(caps.Unavailable),
	)
	return caps, nil
}

func (l *Loader) queryTools(ctx context.Context, c *store.Connector) ([]store.ToolInfo, error) {
	client, err := l.dial(c)
	if err != nil {
		return nil, err
	}
	var tools []store.ToolInfo
	err = l.withRetry(ctx, func(ctx context.Context) error {
		metrics.ConnectorQueryAttemptsTotal.Inc()
		var err error
		tools, err = client.ListTools(ctx)
		return err
	})
	return tools, err
}

// withRetry runs fn under the per-call timeout and retries exactly once,
// after RetryDelay, if the first failure is transient.
func (l *Loader) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := l.attempt(ctx, fn)
	if err == nil || !mcp.IsTransient(err) {
		return err
	}

	l.logger.Debug("transient failure, retrying once", "delay", l.retryDelay, "error", err)
	timer := time.NewTimer(l.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return l.attempt(ctx, fn)
}

func (l *Loader) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()
	return fn(ctx)
}
