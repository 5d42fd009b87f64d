package websocket

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/HORNET-Storage/hornet-relay/lib/access"
	"github.com/HORNET-Storage/hornet-relay/lib/config"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/relay"
)

// Server speaks NIP-01 over websockets on top of a relay
type Server struct {
	relay       *relay.Relay
	access      *access.AccessControl
	connections *xsync.MapOf[string, *connection]
	app         *fiber.App
}

// NewServer wires the transport to r. A nil access control lets everyone publish.
func NewServer(r *relay.Relay, ac *access.AccessControl) *Server {
	s := &Server{
		relay:       r,
		access:      ac,
		connections: xsync.NewMapOf[string, *connection](),
	}
	s.app = s.buildApp()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware for handling relay information requests
	app.Use(handleRelayInfoRequests)

	app.Post("/api/top-ids", s.handleTopIDs)

	app.Get("/", websocket.New(s.handleConnection))

	return app
}

// Listen serves until Shutdown is called
func (s *Server) Listen(addr string) error {
	logging.Info("Relay listening", map[string]interface{}{"address": addr})
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and closes the open ones
func (s *Server) Shutdown() error {
	s.connections.Range(func(id string, conn *connection) bool {
		conn.close()
		return true
	})
	return s.app.Shutdown()
}

func (s *Server) Connections() int {
	return s.connections.Size()
}

func (s *Server) handleConnection(c *websocket.Conn) {
	conn := newConnection(uuid.NewString(), c)
	broadcaster := s.relay.Broadcaster()

	s.connections.Store(conn.id, conn)
	if broadcaster != nil {
		broadcaster.Attach(conn.id, conn)
	}

	defer func() {
		if broadcaster != nil {
			broadcaster.Clear(conn.id)
		}
		s.connections.Delete(conn.id)
		conn.close()
	}()

	go conn.writeLoop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if !isConnectionClosedError(err) {
				logging.Debugf("Read error on connection %s: %v", conn.id, err)
			}
			return
		}

		s.processMessage(ctx, conn, message)
	}
}

func handleRelayInfoRequests(c *fiber.Ctx) error {
	if c.Method() == fiber.MethodGet && c.Get(fiber.HeaderAccept) == "application/nostr+json" {
		c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		c.Set(fiber.HeaderContentType, "application/nostr+json")
		body, err := json.Marshal(GetRelayInfo())
		if err != nil {
			return err
		}
		return c.Send(body)
	}
	return c.Next()
}

// GetRelayInfo builds the NIP-11 document from the current configuration
func GetRelayInfo() NIP11RelayInfo {
	cfg, err := config.GetConfig()
	if err != nil {
		logging.Warnf("Relay info requested without configuration: %v", err)
		return NIP11RelayInfo{}
	}

	return NIP11RelayInfo{
		Name:          cfg.Relay.Name,
		Description:   cfg.Relay.Description,
		Pubkey:        cfg.Relay.PublicKey,
		Contact:       cfg.Relay.Contact,
		Icon:          cfg.Relay.Icon,
		SupportedNIPs: cfg.Relay.SupportedNIPs,
		Software:      cfg.Relay.Software,
		Version:       cfg.Relay.Version,
		Limitation: &RelayLimitation{
			MaxLimit:            cfg.Filters.MaxLimit,
			MaxSubIDLength:      maxSubscriptionIDLength,
			MinPowDifficulty:    cfg.Events.MinLeadingZeroBits,
			CreatedAtUpperLimit: cfg.Events.CreatedAtUpperLimit,
			RestrictedWrites:    cfg.AllowedUsers.Mode != "" && cfg.AllowedUsers.Mode != access.ModePublic,
		},
	}
}

func (s *Server) handleTopIDs(c *fiber.Ctx) error {
	var req TopIDsRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid: request body must be {\"filters\": [...]}"})
	}

	filters, err := s.relay.ParseFilters(req.Filters)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	ids, err := s.relay.QueryTopIDs(c.UserContext(), filters)
	if err != nil {
		logging.Error("Top ids query failed", map[string]interface{}{"error": err})
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "error: query failed"})
	}

	return c.JSON(TopIDsResponse{IDs: ids})
}
