package openpond

import (
	"github.com/openpond/openpond-sdk-go/pkg/client"
	"github.com/openpond/openpond-sdk-go/pkg/config"
	"github.com/openpond/openpond-sdk-go/pkg/delivery"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// Version represents the current version of the SDK
const Version = client.Version

// Core types
type (
	Client      = client.Client
	Config      = config.Config
	Message     = protocol.Message
	Agent       = protocol.Agent
	SendOptions = protocol.SendOptions
	State       = delivery.State

	MessageHandler    = delivery.MessageHandler
	ErrorHandler      = delivery.ErrorHandler
	ConnectionHandler = delivery.ConnectionHandler
	ConnectionChange  = delivery.ConnectionChange
)

// These exports provide direct access to the core SDK components
var (
	// NewClient creates a new OpenPond client
	NewClient = client.New

	// NewConfig returns a configuration read from the environment
	NewConfig = config.New

	// LoadConfig reads a YAML configuration file
	LoadConfig = config.LoadFile
)

// Delivery states
const (
	StateStopped      = delivery.StateStopped
	StateConnecting   = delivery.StateConnecting
	StateLive         = delivery.StateLive
	StatePolling      = delivery.StatePolling
	StateReconnecting = delivery.StateReconnecting
)

// Client options
var (
	WithLogger     = client.WithLogger
	WithHTTPClient = client.WithHTTPClient
	WithTransport  = client.WithTransport
	WithMiddleware = client.WithMiddleware
	WithMetrics    = client.WithMetrics
	WithTracing    = client.WithTracing
	WithClock      = client.WithClock
	WithLookupEnv  = client.WithLookupEnv
)
