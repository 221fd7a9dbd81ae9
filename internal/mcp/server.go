package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
)

// Server registers the routing tools on an MCP server.
type Server struct {
	mcp      *mcp.Server
	pipeline *pipeline.Pipeline
	validate *validator.Validate
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients (default: "taskrouter")
	Name string

	// Version is the implementation version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Metrics records tool invocations; nil disables them
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskrouter",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server over p.
func NewServer(cfg *Config, p *pipeline.Pipeline) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		pipeline: p,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Handler serves the streamable HTTP transport. Every request shares the
// one server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
